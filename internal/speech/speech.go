// Package speech speaks assistant replies aloud. Text is reduced to
// plain sentences, each sentence is synthesized and played in order,
// and a newer utterance always preempts an older one.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/retry"
)

// Synthesizer renders text as audio. llm.Gateway satisfies it.
type Synthesizer interface {
	SynthesizeSpeech(ctx context.Context, text, voice string) (*llm.Audio, error)
}

// Player plays one clip and returns when it has finished or ctx is
// done. Only one Play call is ever in flight per pipeline.
type Player interface {
	Play(ctx context.Context, a *llm.Audio) error
}

// Config controls a Pipeline.
type Config struct {
	// Voice is the prebuilt voice name passed to the synthesizer.
	Voice string

	// Retry wraps every synthesis call.
	Retry retry.Policy
}

// Job is one utterance: its chunks and how far playback has got.
type Job struct {
	Generation uint64
	Chunks     []string
	Cursor     int
}

// Pipeline turns text into audible speech. Speak never blocks; at most
// one job is audible at a time.
type Pipeline struct {
	synth  Synthesizer
	player Player
	cfg    Config
	logger *slog.Logger
	events *events.Bus

	// generation is bumped by every Speak and Stop. A job whose
	// generation no longer matches stops before its next step.
	generation atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline. bus may be nil.
func New(synth Synthesizer, player Player, cfg Config, logger *slog.Logger, bus *events.Bus) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if player == nil {
		player = Discard{}
	}
	return &Pipeline{
		synth:  synth,
		player: player,
		cfg:    cfg,
		logger: logger,
		events: bus,
	}
}

// Speak starts speaking text and returns its generation immediately.
// Any job still running is cancelled; the new job starts once the old
// one has let go of the player.
func (p *Pipeline) Speak(text string) uint64 {
	job := &Job{Chunks: Chunk(PlainText(text))}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	job.Generation = p.generation.Add(1)
	if p.cancel != nil {
		p.cancel()
	}
	prev := p.done
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		p.run(ctx, job)
	}()
	return job.Generation
}

// Stop silences the current job, if any.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation.Add(1)
	if p.cancel != nil {
		p.cancel()
	}
}

// Generation returns the current generation counter.
func (p *Pipeline) Generation() uint64 {
	return p.generation.Load()
}

// Wait blocks until the most recent job has finished or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) active(ctx context.Context, job *Job) bool {
	return ctx.Err() == nil && p.generation.Load() == job.Generation
}

// run is the single consumer of job's chunk queue. Chunk i+1 is not
// synthesized until chunk i has played or failed.
func (p *Pipeline) run(ctx context.Context, job *Job) {
	logger := p.logger.With("generation", job.Generation)
	start := time.Now()
	played, failed := 0, 0

	if !p.active(ctx, job) {
		p.cancelled(logger, job)
		return
	}

	logger.Debug("speech started", "chunks", len(job.Chunks))
	p.events.Emit(events.SourceSpeech, events.KindSpeechStart, map[string]any{
		"generation": job.Generation,
		"chunks":     len(job.Chunks),
	})

	for ; job.Cursor < len(job.Chunks); job.Cursor++ {
		if !p.active(ctx, job) {
			p.cancelled(logger, job)
			return
		}
		text := job.Chunks[job.Cursor]

		audio, err := retry.Do(ctx, p.cfg.Retry, "synthesize_speech", func(ctx context.Context) (*llm.Audio, error) {
			return p.synth.SynthesizeSpeech(ctx, text, p.cfg.Voice)
		})
		if err == nil && (audio == nil || len(audio.Data) == 0) {
			err = errors.New("synthesizer returned no audio")
		}
		if err != nil {
			if !p.active(ctx, job) {
				p.cancelled(logger, job)
				return
			}
			failed++
			logger.Warn("chunk synthesis failed, skipping", "chunk", job.Cursor, "error", err)
			p.events.Emit(events.SourceSpeech, events.KindChunkFailed, map[string]any{
				"generation": job.Generation,
				"chunk":      job.Cursor,
				"error":      err.Error(),
			})
			continue
		}

		p.events.Emit(events.SourceSpeech, events.KindChunkSynthesized, map[string]any{
			"generation": job.Generation,
			"chunk":      job.Cursor,
			"bytes":      len(audio.Data),
		})

		if !p.active(ctx, job) {
			p.cancelled(logger, job)
			return
		}
		if err := p.player.Play(ctx, audio); err != nil {
			if !p.active(ctx, job) {
				p.cancelled(logger, job)
				return
			}
			failed++
			logger.Warn("chunk playback failed", "chunk", job.Cursor, "error", err)
			p.events.Emit(events.SourceSpeech, events.KindChunkFailed, map[string]any{
				"generation": job.Generation,
				"chunk":      job.Cursor,
				"error":      err.Error(),
			})
			continue
		}
		played++
		logger.Log(ctx, llm.LevelTrace, "chunk played", "chunk", job.Cursor, "text", text)
		p.events.Emit(events.SourceSpeech, events.KindChunkPlayed, map[string]any{
			"generation": job.Generation,
			"chunk":      job.Cursor,
		})
	}

	logger.Debug("speech finished",
		"played", played,
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	p.events.Emit(events.SourceSpeech, events.KindSpeechDone, map[string]any{
		"generation": job.Generation,
		"played":     played,
		"failed":     failed,
	})
}

func (p *Pipeline) cancelled(logger *slog.Logger, job *Job) {
	logger.Debug("speech cancelled", "cursor", job.Cursor)
	p.events.Emit(events.SourceSpeech, events.KindSpeechCancelled, map[string]any{
		"generation": job.Generation,
	})
}
