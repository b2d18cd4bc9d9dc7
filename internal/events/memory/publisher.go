// Package memory keeps published pipeline events in process, for tests and
// single-node deployments without a broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/trendsift/trendsift/internal/events"
)

// Publisher records every published pipeline event for later inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedEvent
}

// PublishedEvent captures one publish call.
type PublishedEvent struct {
	Topic string
	Event events.Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID. Payloads that are not
// pipeline events are rejected.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	evt, ok := payload.(events.Event)
	if !ok {
		return "", fmt.Errorf("payload %T is not an events.Event", payload)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedEvent{Topic: topic, Event: evt})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Events returns the recorded publishes in order.
func (p *Publisher) Events() []PublishedEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedEvent, len(p.messages))
	copy(out, p.messages)
	return out
}

// ByStage returns the recorded events carrying the given stage.
func (p *Publisher) ByStage(stage string) []events.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []events.Event
	for _, m := range p.messages {
		if m.Event.Stage == stage {
			out = append(out, m.Event)
		}
	}
	return out
}
