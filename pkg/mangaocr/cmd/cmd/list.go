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
	"io"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local reader models",
	Long: `List reader models found under --models-dir.

A model is any directory holding an encoder, a decoder and a vocab.txt.
Names are paths relative to the models directory.

Examples:
  mangaocr list
  mangaocr list --models-dir /opt/mangaocr/models`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return listModels(cmd.OutOrStdout(), modelsDir)
}

func listModels(w io.Writer, dir string) error {
	// Discovery only; nothing is loaded.
	registry, err := mangaocr.NewReaderRegistryWithLoader(mangaocr.ReaderConfig{ModelsDir: dir}, nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	names := registry.List()
	if len(names) == 0 {
		_, err := fmt.Fprintf(w, "No models found in %s\n", dir)
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}
