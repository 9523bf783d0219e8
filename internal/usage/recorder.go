package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/parley/internal/events"
)

// Recorder writes a ledger record for every model response seen on
// the event bus.
type Recorder struct {
	store   *Store
	pricing map[string]Price
	logger  *slog.Logger

	// tiers remembers each in-flight request's tier from its
	// request_start event.
	tiers map[string]string
}

// NewRecorder creates a recorder. pricing may be nil.
func NewRecorder(store *Store, pricing map[string]Price, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		pricing: pricing,
		logger:  logger,
		tiers:   make(map[string]string),
	}
}

// Run consumes bus events until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e events.Event) {
	if e.Source != events.SourceAgent {
		return
	}
	id, _ := e.Data["request_id"].(string)

	switch e.Kind {
	case events.KindRequestStart:
		if tier, ok := e.Data["tier"].(string); ok {
			r.tiers[id] = tier
		}
	case events.KindRequestComplete:
		delete(r.tiers, id)
	case events.KindLLMResponse:
		model, _ := e.Data["model"].(string)
		in, out := intValue(e.Data["tokens_in"]), intValue(e.Data["tokens_out"])
		rec := Record{
			Timestamp:    e.Timestamp,
			RequestID:    id,
			Model:        model,
			Tier:         r.tiers[id],
			Iteration:    intValue(e.Data["iter"]),
			InputTokens:  in,
			OutputTokens: out,
			CostUSD:      ComputeCost(model, in, out, r.pricing),
		}
		if err := r.store.Record(ctx, rec); err != nil {
			r.logger.Warn("usage record failed", "request_id", id, "error", err)
		}
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
