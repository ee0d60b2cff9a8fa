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

import "context"

// Model represents an inference model that can process inputs.
type Model interface {
	// Forward runs inference on the given inputs and returns the model outputs.
	//
	// For the vision encoder: uses ImagePixels and dimensions (returns EncoderOutput)
	// For the decoder: uses InputIDs and EncoderOutput (returns Logits)
	Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error)

	// Close releases resources associated with the model.
	Close() error

	// Name returns the model name for logging and debugging.
	Name() string

	// Backend returns the backend type this model uses.
	Backend() BackendType
}

// DecoderConfigProvider is implemented by models that decode tokens.
//
//	if provider, ok := model.(DecoderConfigProvider); ok {
//	    config := provider.DecoderConfig()
//	}
type DecoderConfigProvider interface {
	DecoderConfig() *DecoderConfig
}

// ImageConfigProvider is implemented by models that process images.
type ImageConfigProvider interface {
	ImageConfig() *ImageConfig
}
