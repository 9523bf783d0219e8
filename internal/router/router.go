// Package router chooses which backend model tier handles a turn.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
)

// DefaultThinkingBudget is the reasoning-token hint attached to the
// deep-reasoning tier.
const DefaultThinkingBudget int32 = 32768

// Rule names recorded in decisions.
const (
	RuleHeavyMedia = "heavy_media"
	RuleComplex    = "complex_keyword"
	RuleShort      = "short_prompt"
	RuleDefault    = "default"
)

// shortPromptWords is the word count at or below which a prompt goes
// to the low-latency tier.
const shortPromptWords = 3

// complexKeywords mark prompts that need the deep-reasoning tier.
var complexKeywords = []string{
	"explain",
	"detail",
	"analyze",
	"analyse",
	"compare",
	"step by step",
	"reason",
	"prove",
	"derive",
	"evaluate",
	"critique",
	"pros and cons",
	"algorithm",
	"debug",
	"why",
}

// Selection is the outcome of the routing rules.
type Selection struct {
	Tier           llm.Tier
	ThinkingBudget int32
	Rule           string
	Keyword        string
}

// SelectModel applies the routing rules in priority order. It is pure
// and always returns a tier.
func SelectModel(prompt string, media chat.MediaKind) llm.Tier {
	return evaluate(prompt, media, DefaultThinkingBudget).Tier
}

func evaluate(prompt string, media chat.MediaKind, budget int32) Selection {
	if media == chat.MediaVideo || media == chat.MediaAudio {
		return Selection{Tier: llm.TierDeepReasoning, ThinkingBudget: budget, Rule: RuleHeavyMedia}
	}

	q := " " + strings.Join(words(prompt), " ") + " "
	for _, kw := range complexKeywords {
		if strings.Contains(q, " "+kw+" ") {
			return Selection{Tier: llm.TierDeepReasoning, ThinkingBudget: budget, Rule: RuleComplex, Keyword: kw}
		}
	}

	if len(strings.Fields(prompt)) <= shortPromptWords {
		return Selection{Tier: llm.TierLowLatency, Rule: RuleShort}
	}

	return Selection{Tier: llm.TierDefault, Rule: RuleDefault}
}

// words lowercases prompt and splits it on anything that is not a
// letter or digit, so keywords only match whole words.
func words(prompt string) []string {
	return strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Request contains the information needed for a routing decision.
type Request struct {
	Prompt string
	Media  chat.MediaKind
}

// Decision records why a tier was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Input analysis
	QueryLength int            `json:"query_length"`
	WordCount   int            `json:"word_count"`
	Media       chat.MediaKind `json:"media,omitempty"`

	// Decision process
	RulesEvaluated []string `json:"rules_evaluated"`
	RuleMatched    string   `json:"rule_matched"`
	Keyword        string   `json:"keyword,omitempty"`

	// Outcome
	Tier           llm.Tier `json:"tier"`
	ThinkingBudget int32    `json:"thinking_budget,omitempty"`
	Reasoning      string   `json:"reasoning"`

	// Post-execution (filled in later)
	Model      string `json:"model,omitempty"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Success    *bool  `json:"success,omitempty"`
}

// Config holds router configuration.
type Config struct {
	ThinkingBudget int32 // Budget for the deep-reasoning tier
	MaxAuditLog    int   // How many decisions to keep in memory
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	TierCounts    map[string]int64 `json:"tier_counts"`
	RuleCounts    map[string]int64 `json:"rule_counts"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
}

// Router wraps the routing rules with an audit log and statistics.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if config.ThinkingBudget <= 0 {
		config.ThinkingBudget = DefaultThinkingBudget
	}
	return &Router{
		logger:   logger,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			TierCounts:   make(map[string]int64),
			RuleCounts:   make(map[string]int64),
			AvgLatencyMs: make(map[string]int64),
		},
	}
}

// Route selects a tier for the request and records the decision.
func (r *Router) Route(ctx context.Context, req Request) Decision {
	sel := evaluate(req.Prompt, req.Media, r.config.ThinkingBudget)

	d := Decision{
		RequestID:      generateRequestID(),
		Timestamp:      time.Now(),
		QueryLength:    len(req.Prompt),
		WordCount:      len(strings.Fields(req.Prompt)),
		Media:          req.Media,
		RulesEvaluated: rulesUpTo(sel.Rule),
		RuleMatched:    sel.Rule,
		Keyword:        sel.Keyword,
		Tier:           sel.Tier,
		ThinkingBudget: sel.ThinkingBudget,
	}
	d.Reasoning = explainSelection(sel, d)

	r.recordDecision(d)

	r.logger.Log(ctx, slog.LevelInfo, "model routed",
		"request_id", d.RequestID,
		"tier", d.Tier,
		"rule", d.RuleMatched,
		"reasoning", d.Reasoning,
	)
	return d
}

func rulesUpTo(matched string) []string {
	all := []string{RuleHeavyMedia, RuleComplex, RuleShort, RuleDefault}
	for i, rule := range all {
		if rule == matched {
			return all[:i+1]
		}
	}
	return all
}

func explainSelection(sel Selection, d Decision) string {
	var b strings.Builder
	b.WriteString("Selected " + string(sel.Tier) + ": ")
	switch sel.Rule {
	case RuleHeavyMedia:
		b.WriteString(string(d.Media) + " input needs deep reasoning.")
	case RuleComplex:
		b.WriteString("prompt contains complex keyword \"" + sel.Keyword + "\".")
	case RuleShort:
		b.WriteString("prompt is a short utterance.")
	default:
		b.WriteString("no special rule matched.")
	}
	if sel.ThinkingBudget > 0 {
		b.WriteString(" Thinking budget attached.")
	}
	return b.String()
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID, model string, latencyMs int64, tokensUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			r.auditLog[i].Model = model
			r.auditLog[i].LatencyMs = latencyMs
			r.auditLog[i].TokensUsed = tokensUsed
			r.auditLog[i].Success = &success

			tier := string(r.auditLog[i].Tier)
			if prev, ok := r.stats.AvgLatencyMs[tier]; ok {
				r.stats.AvgLatencyMs[tier] = (prev + latencyMs) / 2
			} else {
				r.stats.AvgLatencyMs[tier] = latencyMs
			}
			break
		}
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.TierCounts[string(d.Tier)]++
	r.stats.RuleCounts[d.RuleMatched]++
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a snapshot of routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		TotalRequests: r.stats.TotalRequests,
		TierCounts:    copyCounts(r.stats.TierCounts),
		RuleCounts:    copyCounts(r.stats.RuleCounts),
		AvgLatencyMs:  copyCounts(r.stats.AvgLatencyMs),
	}
}

// Explain returns details about why a specific decision was made.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func generateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return time.Now().Format("20060102-150405.000")
	}
	return id.String()
}
