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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Runtime Requirements:
//   - Set ONNXRUNTIME_ROOT or LD_LIBRARY_PATH so libonnxruntime can be found
//   - For CUDA: add /usr/local/cuda/lib64 to LD_LIBRARY_PATH
//
// Build Requirements:
//   - CGO must be enabled (CGO_ENABLED=1)
type onnxBackend struct {
	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if ShouldUseGPU(GPUModeAuto) {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

func (b *onnxBackend) Available() bool {
	// The build tags ensure this file is only compiled with ONNX Runtime.
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

// initONNX initializes the ONNX Runtime environment once per process.
func (b *onnxBackend) initONNX() error {
	b.initOnce.Do(func() {
		if libPath := getOnnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, getOnnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// getOnnxLibraryPath returns the directory containing libonnxruntime.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH (DYLD_LIBRARY_PATH on macOS).
func getOnnxLibraryPath() string {
	libName := getOnnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"),
		} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyld := os.Getenv("DYLD_LIBRARY_PATH"); dyld != "" {
			ldPath = dyld
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

func getOnnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info for %s: %w", modelPath, err)
	}
	inputNames, inputInfo := tensorInfos(inputs)
	outputNames, outputInfo := tensorInfos(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}
	if ShouldUseGPU(cfg.GPUMode) {
		// CUDA is best effort; the session falls back to CPU.
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			_ = sessionOpts.AppendExecutionProviderCUDA(cudaOpts)
			defer cudaOpts.Destroy()
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session for %s: %w", modelPath, err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func tensorInfos(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	result := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		result[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}
	return names, result
}

func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime. ONNX Runtime allows
// concurrent Run calls on one session, which the beam decoder relies on.
type onnxSession struct {
	mu          sync.RWMutex
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	byName := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		byName[input.Name] = input
	}

	ortInputs := make([]ort.Value, len(s.inputInfo))
	defer destroyAll(ortInputs)
	for i, info := range s.inputInfo {
		input, ok := byName[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = tensor
	}

	// nil outputs are allocated by the runtime with their dynamic shapes.
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		destroyAll(ortOutputs)
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer destroyAll(ortOutputs)

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, v := range ortOutputs {
		if v == nil {
			continue
		}
		out, err := extractOrtTensor(v, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

func createOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)
	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		// Token inputs are int64 in exported decoders.
		wide := make([]int64, len(data))
		for i, v := range data {
			wide[i] = int64(v)
		}
		return ort.NewTensor(shape, wide)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// extractOrtTensor copies an ORT output out of runtime-owned memory.
func extractOrtTensor(v ort.Value, name string) (NamedTensor, error) {
	out := NamedTensor{Name: name, Shape: v.GetShape()}
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		out.Data = append([]float32(nil), t.GetData()...)
	case *ort.Tensor[int64]:
		out.Data = append([]int64(nil), t.GetData()...)
	case *ort.Tensor[int32]:
		out.Data = append([]int32(nil), t.GetData()...)
	case *ort.Tensor[bool]:
		out.Data = append([]bool(nil), t.GetData()...)
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", v)
	}
	return out, nil
}
