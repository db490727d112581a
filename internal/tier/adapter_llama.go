//go:build llama

package tier

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"aegis/internal/offload"
)

// LlamaBuilt indicates this binary was compiled with real llama support.
const LlamaBuilt = true

type llamaAdapter struct{}

// NewLlamaAdapter returns the in-process go-llama.cpp adapter.
func NewLlamaAdapter() InferenceAdapter { return llamaAdapter{} }

type llamaSession struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func modelOptions(opts LoadOptions) []llama.ModelOption {
	mo := []llama.ModelOption{llama.SetContext(zn(opts.ContextTokens, 4096))}
	if opts.GPULayers != 0 {
		layers := opts.GPULayers
		if layers < 0 {
			// llama.cpp clamps to the model's layer count
			layers = 999
		}
		mo = append(mo, llama.SetGPULayers(layers))
	}
	return mo
}

func (llamaAdapter) Start(modelPath string, opts LoadOptions) (InferSession, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(modelPath, modelOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &llamaSession{model: m, threads: opts.Threads}, nil
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (FinalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return FinalResult{}, errors.New("llama model not initialized")
	}
	n := 0
	var cbErr error
	s.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		n++
		return true
	})
	text, err := s.model.Predict(prompt, predictOptions(params, s.threads)...)
	if ctx.Err() != nil {
		return FinalResult{}, ctx.Err()
	}
	if cbErr != nil {
		return FinalResult{Content: text, CompletionTokens: n}, cbErr
	}
	if err != nil {
		return FinalResult{}, err
	}
	finish := "stop"
	if n >= params.MaxTokens {
		finish = "length"
	}
	return FinalResult{Content: text, CompletionTokens: n, FinishReason: finish}, nil
}

func (s *llamaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

// NewLlamaExecutors returns an ExecutorFactory whose executors stream the
// shards through the offload window on the first pass and then hold the model
// resident in llama.cpp for the rest of the generation. The window pass only
// stages and verifies the shard files; llama.cpp maps the weights itself from
// the first shard, so MeasuredFootprint reports the resident size rather
// than the window.
func NewLlamaExecutors(opts LoadOptions) ExecutorFactory {
	return func(job Job, prompt string, params Params, shards []offload.Shard) (offload.Executor, error) {
		if len(shards) == 0 {
			return nil, errors.New("no shards")
		}
		var weights int64
		for _, sh := range shards {
			weights += sh.Size
		}
		return &residentExecutor{
			path:    shards[0].Path,
			weights: weights,
			opts:    opts,
			prompt: prompt,
			params: params,
			stop:   make(chan struct{}),
		}, nil
	}
}

type residentExecutor struct {
	path    string
	weights int64
	opts    LoadOptions
	prompt  string
	params  Params

	model  *llama.LLama
	tokens chan string
	errc   chan error
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// MeasuredFootprint reports the estimated resident size of the mapped model.
func (e *residentExecutor) MeasuredFootprint() (vram, ram uint64) {
	return residentFootprint(e.weights, e.opts)
}

// Forward stages the shard through the window; weights are mapped by llama.cpp on first Emit.
func (e *residentExecutor) Forward(ctx context.Context, _ offload.Shard, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty shard")
	}
	return ctx.Err()
}

func (e *residentExecutor) Emit(ctx context.Context) (offload.Output, error) {
	if e.model == nil {
		m, err := llama.New(e.path, modelOptions(e.opts)...)
		if err != nil {
			return offload.Output{}, err
		}
		e.model = m
		e.tokens = make(chan string)
		e.errc = make(chan error, 1)
		e.done = make(chan struct{})
		m.SetTokenCallback(func(tok string) bool {
			select {
			case e.tokens <- tok:
				return true
			case <-e.stop:
				return false
			}
		})
		go func() {
			defer close(e.done)
			_, err := m.Predict(e.prompt, predictOptions(e.params, e.opts.Threads)...)
			e.errc <- err
			close(e.tokens)
		}()
	}
	select {
	case tok, ok := <-e.tokens:
		if !ok {
			if err := <-e.errc; err != nil {
				return offload.Output{}, err
			}
			return offload.Output{Done: true}, nil
		}
		return offload.Output{Token: tok, Resident: true}, nil
	case <-ctx.Done():
		return offload.Output{}, ctx.Err()
	}
}

func (e *residentExecutor) Close() error {
	e.once.Do(func() { close(e.stop) })
	if e.done != nil {
		<-e.done
	}
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

// helpers
func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts Params into go-llama.cpp options.
func predictOptions(params Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, params.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(params.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
