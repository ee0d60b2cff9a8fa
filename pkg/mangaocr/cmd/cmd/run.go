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
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr"
	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var healthPort int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mangaocr server",
	Long:  `Start the mangaocr API server for speech-bubble recognition.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&healthPort, "health-port", 4200, "health/metrics server port")
	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
}

// configFromViper builds the server config from flags, file and env.
func configFromViper(v *viper.Viper, modelsDir string) mangaocr.Config {
	return mangaocr.Config{
		ApiUrl:          v.GetString("api_url"),
		ModelsDir:       modelsDir,
		BackendPriority: v.GetStringSlice("backend_priority"),
		KeepAlive:       v.GetString("keep_alive"),
		MaxLoadedModels: v.GetInt("max_loaded_models"),
		PoolSize:        v.GetInt("pool_size"),
		NumThreads:      v.GetInt("num_threads"),
		CacheTTL:        v.GetString("cache_ttl"),
		Preload:         v.GetStringSlice("preload"),
		Beam: mangaocr.BeamConfig{
			Width:         v.GetInt("beam.width"),
			MaxSteps:      v.GetInt("beam.max_steps"),
			LengthPenalty: v.GetFloat64("beam.length_penalty"),
			Parallelism:   v.GetInt("beam.parallelism"),
		},
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	mangaocr.Version = Version
	mangaocr.GitCommit = GitCommit
	mangaocr.BuildTime = BuildTime

	cfg := configFromViper(viper.GetViper(), modelsDir)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("Running as mangaocr")

	ready := &atomic.Bool{}
	readyC := make(chan struct{})

	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	go func() {
		<-readyC
		ready.Store(true)
		logger.Info("MangaOCR is ready")
	}()

	mangaocr.RunAsMangaOCR(ctx, logger, cfg, readyC)
	return nil
}
