// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/pipelines"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/antflydb/antfly-go/libaf/logging"
	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var readCmd = &cobra.Command{
	Use:   "read <model-dir> <image> [image...]",
	Short: "Recognize text in bubble images",
	Long: `Load a reader model and recognize the text of each image.

Each image is read as one speech bubble unless --region is given, in which
case a single page image is expected and each region is read.

Examples:
  # Read two cropped bubbles
  mangaocr read ~/.mangaocr/models/manga-ocr-base bubble1.png bubble2.png

  # Read two regions of a page
  mangaocr read ./manga-ocr-base page.jpg --region 10,20,80,200 --region 120,20,60,180

  # Wider beam, JSON output
  mangaocr read ./manga-ocr-base bubble.png --beams 8 --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)

	readCmd.Flags().StringArray("region", nil, "region x,y,width,height on the page (repeatable)")
	readCmd.Flags().Int("beams", 0, "beam width (0 = model default)")
	readCmd.Flags().Int("max-steps", 0, "maximum decoding steps (0 = model default)")
	readCmd.Flags().Float64("length-penalty", 0, "length penalty exponent (0 = model default)")
	readCmd.Flags().Int("threads", 0, "threads per inference session (0 = runtime default)")
	readCmd.Flags().Bool("json", false, "print results as JSON lines")
}

// readOutput is one line of --json output.
type readOutput struct {
	Source      string  `json:"source"`
	Text        string  `json:"text"`
	TokenIDs    []int32 `json:"token_ids"`
	Score       float64 `json:"score"`
	LogProb     float64 `json:"log_prob"`
	Steps       int     `json:"steps"`
	Termination string  `json:"termination"`
}

func runRead(cmd *cobra.Command, args []string) error {
	regionFlags, _ := cmd.Flags().GetStringArray("region")
	beams, _ := cmd.Flags().GetInt("beams")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	lengthPenalty, _ := cmd.Flags().GetFloat64("length-penalty")
	threads, _ := cmd.Flags().GetInt("threads")
	asJSON, _ := cmd.Flags().GetBool("json")

	modelPath, imagePaths := args[0], args[1:]

	regions, err := parseRegions(regionFlags)
	if err != nil {
		return err
	}
	if len(regions) > 0 && len(imagePaths) != 1 {
		return fmt.Errorf("--region needs exactly one page image, got %d", len(imagePaths))
	}

	images := make([]image.Image, len(imagePaths))
	for i, path := range imagePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if images[i], err = pipelines.DecodeImage(data); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	if len(regions) > 0 {
		if err := checkRegions(regions, images[0].Bounds()); err != nil {
			return fmt.Errorf("%s: %w", imagePaths[0], err)
		}
	}

	sessionManager := backends.NewSessionManager()
	defer func() { _ = sessionManager.Close() }()
	priority, err := backends.ParseBackendPriority(viper.GetStringSlice("backend_priority"))
	if err != nil {
		return err
	}
	sessionManager.SetPriority(priority)

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	reader, _, err := reading.NewPooledReader(&reading.PooledReaderConfig{
		ModelPath: modelPath,
		PoolSize:  min(max(len(images), len(regions)), 4),
		Beam: pipelines.BeamSettings{
			Width:         beams,
			MaxSteps:      maxSteps,
			LengthPenalty: lengthPenalty,
		},
		NumThreads: threads,
		Logger:     logger,
	}, sessionManager, nil)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	var results []reading.Result
	var sources []string
	if len(regions) > 0 {
		results, err = reader.ReadRegions(cmd.Context(), images[0], regions)
		for _, r := range regions {
			sources = append(sources, fmt.Sprintf("%s@%d,%d,%d,%d", imagePaths[0], r.Min.X, r.Min.Y, r.Dx(), r.Dy()))
		}
	} else {
		results, err = reader.Read(cmd.Context(), images)
		sources = imagePaths
	}
	if err != nil {
		return err
	}

	return printResults(cmd.OutOrStdout(), sources, results, asJSON)
}

func printResults(w io.Writer, sources []string, results []reading.Result, asJSON bool) error {
	if !asJSON {
		for _, res := range results {
			if _, err := fmt.Fprintln(w, res.Text); err != nil {
				return err
			}
		}
		return nil
	}

	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, res := range results {
		if err := enc.Encode(readOutput{
			Source:      sources[i],
			Text:        res.Text,
			TokenIDs:    res.TokenIDs,
			Score:       res.Score,
			LogProb:     res.LogProb,
			Steps:       res.Steps,
			Termination: res.Termination.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// parseRegions parses "x,y,width,height" boxes.
func parseRegions(flags []string) ([]image.Rectangle, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	regions := make([]image.Rectangle, len(flags))
	for i, f := range flags {
		parts := strings.Split(f, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("region %q: want x,y,width,height", f)
		}
		var v [4]int
		for j, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("region %q: %w", f, err)
			}
			v[j] = n
		}
		if v[2] <= 0 || v[3] <= 0 {
			return nil, fmt.Errorf("region %q: width and height must be positive", f)
		}
		regions[i] = image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3])
	}
	return regions, nil
}

// checkRegions rejects regions that do not overlap the page.
func checkRegions(regions []image.Rectangle, page image.Rectangle) error {
	for _, r := range regions {
		if r.Intersect(page).Empty() {
			return fmt.Errorf("region %d,%d,%d,%d does not overlap page bounds %v", r.Min.X, r.Min.Y, r.Dx(), r.Dy(), page)
		}
	}
	return nil
}
