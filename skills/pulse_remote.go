package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	pulseclient "github.com/legalflow/clausereview/transport/pulse"
)

// pulseCallEnvelope is the wire payload exchanged over a skill's request and
// result streams.
type pulseCallEnvelope struct {
	Handle string         `json:"handle"`
	Status string         `json:"status"` // "completed" | "failed", absent on the request envelope
	Input  map[string]any `json:"input,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// PulseRemoteBackend implements RemoteBackend over goa.design/pulse streams.
// Each remote workflow name maps to a request stream (`skill/<workflow>`)
// that the external worker consumes, and a shared result stream
// (`skill/<workflow>/result`) that the worker publishes completions to. A
// single background consumer demultiplexes results by call handle so
// multiple concurrent Poll callers share one sink.
type PulseRemoteBackend struct {
	client pulseclient.Client

	mu       sync.Mutex
	inboxes  map[string]chan pulseCallEnvelope // handle -> delivery channel
	watching map[string]bool                   // workflow -> result consumer started
}

// NewPulseRemoteBackend builds a PulseRemoteBackend over client.
func NewPulseRemoteBackend(client pulseclient.Client) *PulseRemoteBackend {
	return &PulseRemoteBackend{
		client:   client,
		inboxes:  make(map[string]chan pulseCallEnvelope),
		watching: make(map[string]bool),
	}
}

// Submit publishes input to the workflow's request stream and returns a
// freshly minted call handle that the remote worker is expected to echo
// back on the result stream.
func (b *PulseRemoteBackend) Submit(ctx context.Context, workflow string, input map[string]any) (string, error) {
	if err := b.ensureResultConsumer(ctx, workflow); err != nil {
		return "", err
	}
	handle := uuid.NewString()
	payload, err := json.Marshal(pulseCallEnvelope{Handle: handle, Input: input})
	if err != nil {
		return "", fmt.Errorf("marshal skill call: %w", err)
	}
	stream, err := b.client.Stream(requestStreamName(workflow))
	if err != nil {
		return "", err
	}
	if _, err := stream.Add(ctx, "call", payload); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.inboxes[handle] = make(chan pulseCallEnvelope, 1)
	b.mu.Unlock()
	return handle, nil
}

// Poll returns the outcome for handle if the result consumer has received it
// yet, otherwise reports "pending". Poll is non-blocking: the caller's
// Dispatcher owns the poll interval and attempt budget.
func (b *PulseRemoteBackend) Poll(ctx context.Context, handle string) (string, map[string]any, string, error) {
	b.mu.Lock()
	inbox, ok := b.inboxes[handle]
	b.mu.Unlock()
	if !ok {
		return "not_found", nil, "", nil
	}
	select {
	case env := <-inbox:
		b.mu.Lock()
		delete(b.inboxes, handle)
		b.mu.Unlock()
		if env.Status == "failed" {
			return "failed", nil, env.Error, nil
		}
		return "completed", env.Data, "", nil
	default:
		return "pending", nil, "", nil
	}
}

// ensureResultConsumer starts a single background consumer per workflow that
// demultiplexes completion envelopes to the waiting Poll caller's inbox by
// handle. Safe to call repeatedly; only the first call per workflow starts a
// consumer.
func (b *PulseRemoteBackend) ensureResultConsumer(ctx context.Context, workflow string) error {
	b.mu.Lock()
	if b.watching[workflow] {
		b.mu.Unlock()
		return nil
	}
	b.watching[workflow] = true
	b.mu.Unlock()

	stream, err := b.client.Stream(resultStreamName(workflow))
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, "clausereview-skills")
	if err != nil {
		return err
	}
	go func() {
		for ev := range sink.Subscribe() {
			var env pulseCallEnvelope
			if err := json.Unmarshal(ev.Payload, &env); err != nil {
				_ = sink.Ack(ctx, ev)
				continue
			}
			b.mu.Lock()
			inbox, ok := b.inboxes[env.Handle]
			b.mu.Unlock()
			if ok {
				inbox <- env
			}
			_ = sink.Ack(ctx, ev)
		}
	}()
	return nil
}

func requestStreamName(workflow string) string { return "skill/" + workflow }
func resultStreamName(workflow string) string  { return "skill/" + workflow + "/result" }
