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

package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/beamsearch"
	"go.uber.org/zap"
)

// =============================================================================
// Model (vision encoder + token decoder sessions)
// =============================================================================

var _ backends.Model = (*vision2SeqModel)(nil)

// vision2SeqModel implements backends.Model over two sessions. A Forward
// call with ImagePixels runs the encoder; one with EncoderOutput runs the
// decoder over the full prefix and returns last-position logits.
type vision2SeqModel struct {
	config         *Vision2SeqModelConfig
	encoderSession backends.Session
	decoderSession backends.Session
	backendType    backends.BackendType
}

// NewVision2SeqModel wraps already created sessions.
func NewVision2SeqModel(config *Vision2SeqModelConfig, encoder, decoder backends.Session, backendType backends.BackendType) backends.Model {
	return &vision2SeqModel{
		config:         config,
		encoderSession: encoder,
		decoderSession: decoder,
		backendType:    backendType,
	}
}

// LoadVision2SeqModel creates encoder and decoder sessions with factory.
func LoadVision2SeqModel(config *Vision2SeqModelConfig, factory backends.SessionFactory, opts ...backends.SessionOption) (backends.Model, error) {
	encoder, err := factory.CreateSession(config.EncoderPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}
	decoder, err := factory.CreateSession(config.DecoderPath, opts...)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("creating decoder session: %w", err)
	}
	return NewVision2SeqModel(config, encoder, decoder, factory.Backend()), nil
}

func (m *vision2SeqModel) Forward(ctx context.Context, inputs *backends.ModelInputs) (*backends.ModelOutput, error) {
	if inputs == nil {
		return nil, fmt.Errorf("nil inputs")
	}
	if inputs.EncoderOutput != nil {
		return m.runDecoder(inputs)
	}
	if len(inputs.ImagePixels) == 0 {
		return nil, fmt.Errorf("no image pixels or encoder output provided")
	}
	return m.runEncoder(inputs)
}

func (m *vision2SeqModel) runEncoder(inputs *backends.ModelInputs) (*backends.ModelOutput, error) {
	want := inputs.ImageBatch * inputs.ImageChannels * inputs.ImageHeight * inputs.ImageWidth
	if want != len(inputs.ImagePixels) {
		return nil, fmt.Errorf("pixel buffer has %d values, shape needs %d", len(inputs.ImagePixels), want)
	}

	input := backends.NamedTensor{
		Name:  firstInputName(m.encoderSession, "pixel_values"),
		Shape: []int64{int64(inputs.ImageBatch), int64(inputs.ImageChannels), int64(inputs.ImageHeight), int64(inputs.ImageWidth)},
		Data:  inputs.ImagePixels,
	}
	outputs, err := m.encoderSession.Run([]backends.NamedTensor{input})
	if err != nil {
		return nil, fmt.Errorf("running encoder: %w", err)
	}

	output, ok := findOutput(outputs, "last_hidden_state")
	if !ok {
		return nil, fmt.Errorf("no encoder output")
	}
	if len(output.Shape) != 3 {
		return nil, fmt.Errorf("unexpected encoder output shape: %v", output.Shape)
	}
	hidden, err := output.Float32s()
	if err != nil {
		return nil, err
	}

	return &backends.ModelOutput{
		EncoderOutput: &backends.EncoderOutput{
			HiddenStates: hidden,
			Shape:        [3]int{int(output.Shape[0]), int(output.Shape[1]), int(output.Shape[2])},
		},
	}, nil
}

func (m *vision2SeqModel) runDecoder(inputs *backends.ModelInputs) (*backends.ModelOutput, error) {
	batch := len(inputs.InputIDs)
	if batch == 0 || len(inputs.InputIDs[0]) == 0 {
		return nil, fmt.Errorf("empty decoder input")
	}
	seqLen := len(inputs.InputIDs[0])

	ids := make([]int64, 0, batch*seqLen)
	for i, row := range inputs.InputIDs {
		if len(row) != seqLen {
			return nil, fmt.Errorf("ragged decoder input: row %d has %d ids, want %d", i, len(row), seqLen)
		}
		for _, id := range row {
			ids = append(ids, int64(id))
		}
	}

	tensors, err := m.buildDecoderInputs(ids, batch, seqLen, inputs.EncoderOutput)
	if err != nil {
		return nil, fmt.Errorf("building decoder inputs: %w", err)
	}
	outputs, err := m.decoderSession.Run(tensors)
	if err != nil {
		return nil, fmt.Errorf("running decoder: %w", err)
	}

	output, ok := findOutput(outputs, "logits")
	if !ok {
		return nil, fmt.Errorf("no decoder output")
	}
	data, err := output.Float32s()
	if err != nil {
		return nil, err
	}
	if len(output.Shape) != 3 || int(output.Shape[0]) != batch || int(output.Shape[1]) != seqLen {
		return nil, fmt.Errorf("unexpected logits shape %v for input [%d %d]", output.Shape, batch, seqLen)
	}

	vocab := int(output.Shape[2])
	logits := make([][]float32, batch)
	for i := range logits {
		start := (i*seqLen + seqLen - 1) * vocab
		logits[i] = data[start : start+vocab : start+vocab]
	}
	return &backends.ModelOutput{Logits: logits}, nil
}

// buildDecoderInputs fills every input the decoder session declares. Names
// follow the Hugging Face ONNX exports.
func (m *vision2SeqModel) buildDecoderInputs(ids []int64, batch, seqLen int, enc *backends.EncoderOutput) ([]backends.NamedTensor, error) {
	var tensors []backends.NamedTensor
	for _, info := range m.decoderSession.InputInfo() {
		switch info.Name {
		case "input_ids", "decoder_input_ids":
			tensors = append(tensors, backends.NamedTensor{
				Name:  info.Name,
				Shape: []int64{int64(batch), int64(seqLen)},
				Data:  ids,
			})
		case "encoder_hidden_states", "encoder_outputs":
			tensors = append(tensors, backends.NamedTensor{
				Name:  info.Name,
				Shape: []int64{int64(enc.Shape[0]), int64(enc.Shape[1]), int64(enc.Shape[2])},
				Data:  enc.HiddenStates,
			})
		case "encoder_attention_mask":
			mask := make([]int64, enc.Shape[0]*enc.Shape[1])
			for i := range mask {
				mask[i] = 1
			}
			tensors = append(tensors, backends.NamedTensor{
				Name:  info.Name,
				Shape: []int64{int64(enc.Shape[0]), int64(enc.Shape[1])},
				Data:  mask,
			})
		case "use_cache_branch":
			tensors = append(tensors, backends.NamedTensor{
				Name:  info.Name,
				Shape: []int64{1},
				Data:  []bool{false},
			})
		default:
			return nil, fmt.Errorf("unsupported decoder input %q", info.Name)
		}
	}
	return tensors, nil
}

func firstInputName(s backends.Session, fallback string) string {
	if info := s.InputInfo(); len(info) > 0 {
		return info[0].Name
	}
	return fallback
}

// findOutput returns the output called name, or the first output.
func findOutput(outputs []backends.NamedTensor, name string) (backends.NamedTensor, bool) {
	for _, o := range outputs {
		if o.Name == name && o.Data != nil {
			return o, true
		}
	}
	for _, o := range outputs {
		if o.Data != nil {
			return o, true
		}
	}
	return backends.NamedTensor{}, false
}

func (m *vision2SeqModel) DecoderConfig() *backends.DecoderConfig {
	return m.config.DecoderConfig
}

func (m *vision2SeqModel) ImageConfig() *backends.ImageConfig {
	return m.config.ImageConfig
}

func (m *vision2SeqModel) Close() error {
	var errs []error
	if m.encoderSession != nil {
		if err := m.encoderSession.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing encoder: %w", err))
		}
		m.encoderSession = nil
	}
	if m.decoderSession != nil {
		if err := m.decoderSession.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing decoder: %w", err))
		}
		m.decoderSession = nil
	}
	return errors.Join(errs...)
}

func (m *vision2SeqModel) Name() string {
	return m.config.ModelPath
}

func (m *vision2SeqModel) Backend() backends.BackendType {
	return m.backendType
}

// =============================================================================
// Pipeline
// =============================================================================

// BeamSettings overrides the beam search parameters a model suggests.
// Zero fields keep the model's value.
type BeamSettings struct {
	Width         int
	MaxSteps      int
	LengthPenalty float64
	Parallelism   int
}

// Vision2SeqConfig holds configuration for creating a Vision2SeqPipeline.
type Vision2SeqConfig struct {
	// ImageConfig for preprocessing. If nil, uses the model's.
	ImageConfig *backends.ImageConfig

	// Beam overrides the model's generation settings.
	Beam BeamSettings

	// SessionOptions are passed to every session the loader creates.
	SessionOptions []backends.SessionOption

	Logger *zap.Logger
}

// Vision2SeqResult is the recognized text of one image.
type Vision2SeqResult struct {
	Text string
	// TokenIDs is the best hypothesis without the start token.
	TokenIDs []int32
	LogProb  float64
	// Score is the length-normalized score used for ranking.
	Score        float64
	Steps        int
	Termination  beamsearch.State
	StoppedAtEOS bool
}

// Vision2SeqPipeline reads text from an image: preprocess, encode once,
// beam-decode against the decoder, detokenize.
type Vision2SeqPipeline struct {
	Model          backends.Model
	ImageProcessor *ImageProcessor
	Vocabulary     *Vocabulary

	decoder *beamsearch.Decoder
	logger  *zap.Logger
}

// NewVision2SeqPipeline creates a pipeline over model. Token ids, vocabulary
// size and beam defaults come from the model's DecoderConfig when it
// provides one.
func NewVision2SeqPipeline(model backends.Model, vocab *Vocabulary, config *Vision2SeqConfig) (*Vision2SeqPipeline, error) {
	if config == nil {
		config = &Vision2SeqConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	imageConfig := config.ImageConfig
	if imageConfig == nil {
		if p, ok := model.(backends.ImageConfigProvider); ok {
			imageConfig = p.ImageConfig()
		}
	}

	decoderConfig := backends.DefaultDecoderConfig()
	if p, ok := model.(backends.DecoderConfigProvider); ok && p.DecoderConfig() != nil {
		decoderConfig = p.DecoderConfig()
	}

	decoder, err := beamsearch.NewDecoder(
		beamConfig(decoderConfig, config.Beam),
		beamsearch.WithLogger(logger.Named("beamsearch")),
	)
	if err != nil {
		return nil, fmt.Errorf("configuring beam search: %w", err)
	}

	return &Vision2SeqPipeline{
		Model:          model,
		ImageProcessor: NewImageProcessor(imageConfig),
		Vocabulary:     vocab,
		decoder:        decoder,
		logger:         logger,
	}, nil
}

func beamConfig(dec *backends.DecoderConfig, s BeamSettings) beamsearch.Config {
	cfg := beamsearch.DefaultConfig()
	cfg.StartTokenID = dec.DecoderStartTokenID
	cfg.EndTokenID = dec.EOSTokenID
	cfg.VocabSize = dec.VocabSize
	cfg.BeamWidth = FirstNonZero(s.Width, dec.NumBeams, cfg.BeamWidth)
	cfg.MaxSteps = FirstNonZero(s.MaxSteps, dec.MaxLength, cfg.MaxSteps)
	cfg.LengthPenalty = FirstNonZero(s.LengthPenalty, dec.LengthPenalty, cfg.LengthPenalty)
	cfg.Parallelism = s.Parallelism
	return cfg
}

// BeamConfig returns the effective beam search configuration.
func (p *Vision2SeqPipeline) BeamConfig() beamsearch.Config {
	return p.decoder.Config()
}

// Run reads the text in img.
func (p *Vision2SeqPipeline) Run(ctx context.Context, img image.Image) (*Vision2SeqResult, error) {
	pixels, err := p.ImageProcessor.Process(img)
	if err != nil {
		return nil, fmt.Errorf("preprocessing image: %w", err)
	}
	return p.RunPixels(ctx, pixels)
}

// RunRegion reads the text inside region of a page.
func (p *Vision2SeqPipeline) RunRegion(ctx context.Context, page image.Image, region image.Rectangle) (*Vision2SeqResult, error) {
	pixels, err := p.ImageProcessor.ProcessRegion(page, region)
	if err != nil {
		return nil, fmt.Errorf("preprocessing region %v: %w", region, err)
	}
	return p.RunPixels(ctx, pixels)
}

// RunBytes decodes an encoded image and reads its text.
func (p *Vision2SeqPipeline) RunBytes(ctx context.Context, data []byte) (*Vision2SeqResult, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, img)
}

// RunPixels reads text from already preprocessed NCHW pixels.
func (p *Vision2SeqPipeline) RunPixels(ctx context.Context, pixels []float32) (*Vision2SeqResult, error) {
	enc, err := p.Encode(ctx, pixels)
	if err != nil {
		return nil, err
	}

	res, err := p.decoder.Decode(ctx, enc, &decoderOracle{model: p.Model})
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	cfg := p.decoder.Config()
	ids := res.Best.TokenIDs[1:]
	text := ""
	if p.Vocabulary != nil {
		text = p.Vocabulary.Decode(ids)
	}

	p.logger.Debug("Read image",
		zap.String("model", p.Model.Name()),
		zap.Stringer("termination", res.State),
		zap.Int("steps", res.Steps),
		zap.Int("tokens", len(ids)))

	return &Vision2SeqResult{
		Text:         text,
		TokenIDs:     append([]int32(nil), ids...),
		LogProb:      res.Best.LogProb,
		Score:        res.Best.NormalizedScore(cfg.LengthPenalty),
		Steps:        res.Steps,
		Termination:  res.State,
		StoppedAtEOS: res.StoppedAtEOS(cfg.EndTokenID),
	}, nil
}

// Encode runs the vision encoder once over preprocessed pixels.
func (p *Vision2SeqPipeline) Encode(ctx context.Context, pixels []float32) (*backends.EncoderOutput, error) {
	cfg := p.ImageProcessor.Config
	out, err := p.Model.Forward(ctx, &backends.ModelInputs{
		ImagePixels:   pixels,
		ImageBatch:    1,
		ImageChannels: cfg.Channels,
		ImageHeight:   cfg.Height,
		ImageWidth:    cfg.Width,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	if out.EncoderOutput == nil {
		return nil, fmt.Errorf("encoding image: model returned no encoder output")
	}
	return out.EncoderOutput, nil
}

// Close releases the model.
func (p *Vision2SeqPipeline) Close() error {
	return p.Model.Close()
}

// decoderOracle scores a prefix with one decoder forward pass over the full
// prefix.
type decoderOracle struct {
	model backends.Model
}

func (o *decoderOracle) Score(ctx context.Context, prefix []int32, state beamsearch.EncoderState) ([]float32, error) {
	enc, ok := state.(*backends.EncoderOutput)
	if !ok || enc == nil {
		return nil, fmt.Errorf("encoder state is %T, want *backends.EncoderOutput", state)
	}
	out, err := o.model.Forward(ctx, &backends.ModelInputs{
		InputIDs:      [][]int32{prefix},
		EncoderOutput: enc,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Logits) != 1 {
		return nil, fmt.Errorf("decoder returned %d logit rows, want 1", len(out.Logits))
	}
	return out.Logits[0], nil
}

// =============================================================================
// Loading
// =============================================================================

// Vision2SeqPipelineOption is a functional option for configuring Vision2SeqPipeline loading.
type Vision2SeqPipelineOption func(*Vision2SeqConfig)

// WithVision2SeqImageConfig sets the image config for the pipeline.
func WithVision2SeqImageConfig(config *backends.ImageConfig) Vision2SeqPipelineOption {
	return func(c *Vision2SeqConfig) {
		c.ImageConfig = config
	}
}

// WithVision2SeqBeamConfig overrides the model's beam search settings.
func WithVision2SeqBeamConfig(settings BeamSettings) Vision2SeqPipelineOption {
	return func(c *Vision2SeqConfig) {
		c.Beam = settings
	}
}

// WithVision2SeqSessionOptions adds options for session creation.
func WithVision2SeqSessionOptions(opts ...backends.SessionOption) Vision2SeqPipelineOption {
	return func(c *Vision2SeqConfig) {
		c.SessionOptions = append(c.SessionOptions, opts...)
	}
}

// WithVision2SeqLogger sets the pipeline logger.
func WithVision2SeqLogger(logger *zap.Logger) Vision2SeqPipelineOption {
	return func(c *Vision2SeqConfig) {
		c.Logger = logger
	}
}

// LoadVision2SeqPipeline loads a complete pipeline from a model directory:
// config, vocabulary, encoder and decoder sessions.
func LoadVision2SeqPipeline(
	modelPath string,
	sessionManager *backends.SessionManager,
	modelBackends []string,
	opts ...Vision2SeqPipelineOption,
) (*Vision2SeqPipeline, backends.BackendType, error) {
	config := &Vision2SeqConfig{}
	for _, opt := range opts {
		opt(config)
	}

	modelConfig, err := LoadVision2SeqModelConfig(modelPath)
	if err != nil {
		return nil, "", err
	}
	vocab, err := LoadVocabulary(modelConfig.VocabPath)
	if err != nil {
		return nil, "", err
	}

	factory, spec, err := sessionManager.GetSessionFactoryForModel(modelBackends)
	if err != nil {
		return nil, "", fmt.Errorf("getting session factory: %w", err)
	}
	sessionOpts := append([]backends.SessionOption{backends.WithSessionGPUMode(spec.Device.ToGPUMode())}, config.SessionOptions...)

	model, err := LoadVision2SeqModel(modelConfig, factory, sessionOpts...)
	if err != nil {
		return nil, "", fmt.Errorf("loading model: %w", err)
	}

	pipeline, err := NewVision2SeqPipeline(model, vocab, config)
	if err != nil {
		_ = model.Close()
		return nil, "", err
	}
	return pipeline, spec.Backend, nil
}
