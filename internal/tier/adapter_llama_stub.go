//go:build !llama

package tier

// No-CGO stub compiled when the 'llama' build tag is NOT set. It refuses to
// run inference rather than mocking it.

import "aegis/internal/offload"

// LlamaBuilt indicates this binary was compiled with real llama support.
const LlamaBuilt = false

const notBuilt = "llama support not built (missing 'llama' build tag)"

type llamaAdapter struct{}

// NewLlamaAdapter returns the stub adapter.
func NewLlamaAdapter() InferenceAdapter { return llamaAdapter{} }

func (llamaAdapter) Start(string, LoadOptions) (InferSession, error) {
	return nil, ErrDependencyUnavailable(notBuilt)
}

// NewLlamaExecutors returns a factory that always fails with a dependency error.
func NewLlamaExecutors(LoadOptions) ExecutorFactory {
	return func(Job, string, Params, []offload.Shard) (offload.Executor, error) {
		return nil, ErrDependencyUnavailable(notBuilt)
	}
}
