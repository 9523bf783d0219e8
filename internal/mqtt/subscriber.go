package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Playback states a speaker device reports on its status topic.
const (
	statePlaying = "playing"
	stateDone    = "done"
	stateError   = "error"
)

// statusReport is the device's status payload.
type statusReport struct {
	Seq   uint64 `json:"seq"`
	State string `json:"state"`
}

// handleMessage routes an inbound message. Only the status topic is
// subscribed; anything else is logged and ignored.
func (s *Speaker) handleMessage(topic string, payload []byte) {
	if !s.limiter.allow() {
		return
	}
	if topic != s.statusTopic() {
		s.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}

	var report statusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		s.logger.Debug("mqtt status payload not JSON", "payload_size", len(payload), "error", err)
		return
	}
	s.logger.Debug("speaker status", "seq", report.Seq, "state", report.State)

	if report.State != stateDone && report.State != stateError {
		return
	}
	s.mu.Lock()
	done, ok := s.waiting[report.Seq]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case done <- report.State:
	default:
	}
}

// messageRateLimiter drops inbound messages beyond limit per interval
// so a chatty device cannot flood the log. The hot path is lock-free.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counter every interval until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
