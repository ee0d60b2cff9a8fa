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
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Build information, set from main.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	modelsDir string
)

var rootCmd = &cobra.Command{
	Use:   "mangaocr",
	Short: "Manga speech-bubble OCR",
	Long: `mangaocr recognizes Japanese text in manga speech bubbles with
vision encoder-decoder models exported to ONNX.

Models are directories holding encoder_model.onnx, decoder_model.onnx and
vocab.txt, placed under --models-dir. Configuration is read from
mangaocr.yaml in the working directory or ~/.mangaocr, and from
MANGAOCR_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./mangaocr.yaml or ~/.mangaocr/mangaocr.yaml)")
	pf.StringVar(&modelsDir, "models-dir", defaultModelsDir(), "directory holding reader models")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-style", "terminal", "log style (terminal, json, noop)")
	pf.String("api-url", "http://localhost:11435", "address the API server listens on")
	pf.StringSlice("backend-priority", nil, "backend specs in preference order, e.g. onnx:cuda,onnx:cpu")

	mustBindPFlag("models_dir", pf.Lookup("models-dir"))
	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.style", pf.Lookup("log-style"))
	mustBindPFlag("api_url", pf.Lookup("api-url"))
	mustBindPFlag("backend_priority", pf.Lookup("backend-priority"))

	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("keep_alive", "5m")
	v.SetDefault("max_loaded_models", 0)
	v.SetDefault("pool_size", 0)
	v.SetDefault("num_threads", 0)
	v.SetDefault("cache_ttl", "")
	v.SetDefault("preload", []string{})
	v.SetDefault("beam.width", 0)
	v.SetDefault("beam.max_steps", 0)
	v.SetDefault("beam.length_penalty", 0.0)
	v.SetDefault("beam.parallelism", 0)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mangaocr")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".mangaocr"))
		}
	}

	viper.SetEnvPrefix("MANGAOCR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}

	// A models_dir from config or env wins over the flag default.
	if !rootCmd.PersistentFlags().Changed("models-dir") {
		if dir := viper.GetString("models_dir"); dir != "" {
			modelsDir = dir
		}
	}
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".mangaocr", "models")
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
