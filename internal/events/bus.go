// Package events is a publish/subscribe bus for operational events.
// The orchestrator and the speech pipeline publish; the WebSocket
// endpoint streams them to clients. A nil *Bus is valid and drops
// everything, so publishers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceAgent       = "agent"
	SourceSpeech      = "speech"
	SourceConnections = "connections"
)

// Agent kinds.
const (
	// KindRequestStart: request_id, tier, prompt_len, media.
	KindRequestStart = "request_start"
	// KindLLMCall: request_id, iter, tier.
	KindLLMCall = "llm_call"
	// KindLLMResponse: request_id, iter, model, tokens_in, tokens_out, tool_call.
	KindLLMResponse = "llm_response"
	// KindToolCall: request_id, tool, kind.
	KindToolCall = "tool_call"
	// KindToolDone: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete: request_id, outcome, iterations, elapsed_ms.
	KindRequestComplete = "request_complete"
)

// Speech kinds.
const (
	// KindSpeechStart: generation, chunks.
	KindSpeechStart = "speech_start"
	// KindChunkSynthesized: generation, chunk, bytes.
	KindChunkSynthesized = "chunk_synthesized"
	// KindChunkPlayed: generation, chunk.
	KindChunkPlayed = "chunk_played"
	// KindChunkFailed: generation, chunk, error.
	KindChunkFailed = "chunk_failed"
	// KindSpeechCancelled: generation.
	KindSpeechCancelled = "speech_cancelled"
	// KindSpeechDone: generation, played, failed.
	KindSpeechDone = "speech_done"
)

// Connection kinds.
const (
	// KindServiceUp: service, account.
	KindServiceUp = "service_up"
	// KindServiceDown: service, account, error.
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Each subscriber gets a buffered
// channel; a full channel drops the event for that subscriber only.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of future events with the given buffer.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
