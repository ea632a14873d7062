package model

import (
	"context"
	"math/rand"
	"time"

	"github.com/legalflow/clausereview/telemetry"
)

// Failover wraps an ordered list of provider Clients. On failure it retries
// once against the same provider with jittered backoff; if still failing it
// falls through to the next provider. Streaming only fails over before the
// first byte is delivered; a mid-stream failure surfaces as
// ErrStreamInterrupted rather than retrying, to preserve byte ordering.
type Failover struct {
	providers []Client
	backoff   time.Duration
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// NewFailover constructs a Failover over providers in priority order. The
// first provider is primary; the rest are failover targets in order.
func NewFailover(providers []Client, logger telemetry.Logger, metrics telemetry.Metrics) *Failover {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Failover{providers: providers, backoff: 250 * time.Millisecond, logger: logger, metrics: metrics}
}

func (f *Failover) Name() string { return "failover" }

func (f *Failover) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	var lastErr error
	for _, p := range f.providers {
		text, err := f.callWithRetry(ctx, p, func() (string, error) {
			return p.Chat(ctx, messages, opts)
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		f.logFailover(ctx, p.Name(), err)
	}
	return "", ErrProviderUnavailable(lastErr)
}

func (f *Failover) ChatWithTools(ctx context.Context, messages []Message, tools []ToolSchema, opts Options) (ChatWithToolsResult, error) {
	var lastErr error
	for _, p := range f.providers {
		result, err := f.callResultWithRetry(ctx, p, func() (ChatWithToolsResult, error) {
			return p.ChatWithTools(ctx, messages, tools, opts)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		f.logFailover(ctx, p.Name(), err)
	}
	return ChatWithToolsResult{}, ErrProviderUnavailable(lastErr)
}

// ChatStream fails over only before the first chunk is forwarded to the
// caller. Once a byte has been delivered, a subsequent provider error is
// translated to a terminal StreamChunk carrying ErrStreamInterrupted — never
// a silent failover, which would duplicate or reorder already-delivered
// text.
func (f *Failover) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		var lastErr error
		for _, p := range f.providers {
			upstream, err := p.ChatStream(ctx, messages, opts)
			if err != nil {
				lastErr = err
				f.logFailover(ctx, p.Name(), err)
				continue
			}

			firstByteDelivered := false
			for chunk := range upstream {
				if chunk.Err != nil {
					if !firstByteDelivered {
						lastErr = chunk.Err
						f.logFailover(ctx, p.Name(), chunk.Err)
						goto nextProvider
					}
					out <- StreamChunk{Err: ErrStreamInterrupted(chunk.Err)}
					return
				}
				firstByteDelivered = true
				out <- chunk
			}
			return
		nextProvider:
		}
		out <- StreamChunk{Err: ErrProviderUnavailable(lastErr)}
	}()
	return out, nil
}

func (f *Failover) callWithRetry(ctx context.Context, p Client, call func() (string, error)) (string, error) {
	text, err := call()
	if err == nil || !retryable(err) {
		return text, err
	}
	f.sleepJittered(ctx)
	return call()
}

func (f *Failover) callResultWithRetry(ctx context.Context, p Client, call func() (ChatWithToolsResult, error)) (ChatWithToolsResult, error) {
	result, err := call()
	if err == nil || !retryable(err) {
		return result, err
	}
	f.sleepJittered(ctx)
	return call()
}

func (f *Failover) sleepJittered(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(f.backoff)))
	select {
	case <-time.After(f.backoff/2 + jitter):
	case <-ctx.Done():
	}
}

func (f *Failover) logFailover(ctx context.Context, provider string, err error) {
	f.logger.Warn(ctx, "model provider failed, failing over", "provider", provider, "error", err.Error())
	f.metrics.IncCounter("model.provider.failure", 1, "provider", provider)
}
