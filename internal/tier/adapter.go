package tier

import "context"

// InferenceAdapter abstracts the model runtime used by the Fast tier.
type InferenceAdapter interface {
	// Start loads modelPath and returns a reusable session.
	Start(modelPath string, opts LoadOptions) (InferSession, error)
}

// InferSession is a loaded model.
type InferSession interface {
	// Generate streams tokens for prompt. onToken returning an error stops
	// generation. Implementations must return when ctx is canceled.
	Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (FinalResult, error)
	Close() error
}

// Footprinter is implemented by sessions and executors that can report the
// memory they actually use.
type Footprinter interface {
	MeasuredFootprint() (vram, ram uint64)
}

// LoadOptions are runtime options applied when a model is loaded.
type LoadOptions struct {
	ContextTokens int
	// GPULayers is the number of layers offloaded to the GPU; -1 means all.
	GPULayers int
	// ModelLayers is the model's layer count, used to size partial offload.
	// Zero means unknown and counts any partial offload as full.
	ModelLayers int
	Threads     int
}

// kvBytesPerToken approximates the f16 KV cache cost of one context token.
const kvBytesPerToken = 160 << 10

// residentFootprint estimates the memory held by a model of weights bytes
// once llama.cpp has it resident: offloaded layers and the KV cache in VRAM,
// the remaining weights in RAM. CPU-only runs keep everything in RAM.
func residentFootprint(weights int64, opts LoadOptions) (vram, ram uint64) {
	w := uint64(max(weights, 0))
	kv := uint64(max(opts.ContextTokens, 0)) * kvBytesPerToken
	var onGPU uint64
	switch {
	case opts.GPULayers == 0:
		return 0, w + kv
	case opts.GPULayers < 0 || opts.ModelLayers <= 0 || opts.GPULayers >= opts.ModelLayers:
		onGPU = w
	default:
		onGPU = w * uint64(opts.GPULayers) / uint64(opts.ModelLayers)
	}
	return onGPU + kv, w - onGPU
}

// FinalResult summarizes a session generation.
type FinalResult struct {
	Content          string
	CompletionTokens int
	FinishReason     string
}
