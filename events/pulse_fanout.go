package events

import (
	"context"
	"encoding/json"

	pulseclient "github.com/legalflow/clausereview/transport/pulse"
)

// PulseFanout republishes every event a local Bus publishes onto a shared
// Pulse stream, and separately drains that stream to feed Buses running in
// other processes — the mechanism that lets a client's SSE connection be
// served by a different process than the one running the task's review
// graph.
type PulseFanout struct {
	client pulseclient.Client
	local  *Bus
}

// NewPulseFanout wires local so every Publish call also republishes to
// Pulse, keyed by task id.
func NewPulseFanout(client pulseclient.Client, local *Bus) *PulseFanout {
	return &PulseFanout{client: client, local: local}
}

// Publish republishes ev to the local bus immediately (so same-process
// subscribers never wait on Redis round-trips) and to the task's Pulse
// stream for other processes' consumers.
func (f *PulseFanout) Publish(ctx context.Context, taskID, eventType string, payload any) {
	f.local.Publish(ctx, taskID, eventType, payload)

	stream, err := f.client.Stream(fanoutStreamName(taskID))
	if err != nil {
		return
	}
	body, err := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	if err != nil {
		return
	}
	_, _ = stream.Add(ctx, eventType, body)
}

// Consume subscribes to a task's Pulse stream and republishes every entry
// into local. Entries are not filtered by origin: an event this process
// published through its own Publish call reaches local a second time, under
// a new Seq assigned by Bus.
func (f *PulseFanout) Consume(ctx context.Context, taskID string) error {
	stream, err := f.client.Stream(fanoutStreamName(taskID))
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, "clausereview-events")
	if err != nil {
		return err
	}
	go func() {
		defer sink.Close(context.Background())
		for ev := range sink.Subscribe() {
			var decoded struct {
				Type    string `json:"type"`
				Payload any    `json:"payload"`
			}
			if err := json.Unmarshal(ev.Payload, &decoded); err == nil {
				f.local.Publish(ctx, taskID, decoded.Type, decoded.Payload)
			}
			_ = sink.Ack(ctx, ev)
		}
	}()
	return nil
}

func fanoutStreamName(taskID string) string { return "review/" + taskID + "/events" }
