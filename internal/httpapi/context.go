package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
)

// baseCtx ends every open generate stream when the daemon shuts down.
var baseCtx atomic.Pointer[context.Context]

// SetBaseContext sets the process-level context; a nil ctx resets it to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseCtx.Store(&ctx)
}

func baseContext() context.Context {
	if p := baseCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// streamContext is r's context, additionally canceled when the base context
// ends. The returned func must be called when the handler returns.
func streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(baseContext(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
