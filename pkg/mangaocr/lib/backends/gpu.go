// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

var (
	cudaAvailable     bool
	cudaAvailableOnce sync.Once
)

// IsCUDAAvailable reports whether an NVIDIA driver or CUDA runtime library
// is present. The result is cached after the first call.
func IsCUDAAvailable() bool {
	cudaAvailableOnce.Do(func() {
		cudaAvailable = nvidiaSMIPresent() || cudaLibsExist()
	})
	return cudaAvailable
}

func nvidiaSMIPresent() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// cudaLibsExist looks for libcudart in LD_LIBRARY_PATH and the usual
// install locations.
func cudaLibsExist() bool {
	dirs := filepath.SplitList(os.Getenv("LD_LIBRARY_PATH"))
	dirs = append(dirs, "/usr/local/cuda/lib64", "/usr/lib/x86_64-linux-gnu", "/usr/lib64")
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*")); len(matches) > 0 {
			return true
		}
	}
	return false
}

// ShouldUseGPU determines if GPU should be used based on mode and availability.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeOff:
		return false
	case GPUModeCuda:
		return true // fails at session creation if CUDA is missing
	default:
		return IsCUDAAvailable()
	}
}
