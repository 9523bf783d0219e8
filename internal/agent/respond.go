package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/retry"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/tools"
)

// Turn outcomes, as logged and published.
const (
	outcomeFinal     = "final"
	outcomeConsent   = "consent"
	outcomeBilling   = "billing"
	outcomeMedia     = "media"
	outcomeGrounded  = "grounded"
	outcomeLoopLimit = "loop_limit"
	outcomeError     = "error"
)

// turnState is the working state of one orchestrator call.
type turnState struct {
	requestID string
	logger    *slog.Logger
	start     time.Time

	tier   llm.Tier
	budget int32
	system string
	prompt string
	aspect string

	contents []llm.Content
	exec     tools.ExecContext

	learned []string
	iter    int
	model   string
	tokens  int
}

// Respond runs one user turn against the stored session and returns
// exactly one terminal response: a consent request, a billing prompt,
// generated media, grounded text or plain text.
//
// The session is read, never modified; the caller appends the user
// message and the returned response. When the backend fails after
// retries the returned response carries a user-safe apology and err
// carries the classified cause.
func (o *Orchestrator) Respond(ctx context.Context, turn chat.Turn, session []chat.Message, conns []chat.Connection) (*chat.Response, error) {
	var media chat.MediaKind
	if turn.Media != nil {
		media = turn.Media.Kind
	}
	decision := o.router.Route(ctx, router.Request{Prompt: turn.Prompt, Media: media})

	msgs := make([]chat.Message, 0, len(session)+1)
	msgs = append(msgs, session...)
	msgs = append(msgs, chat.NewUserMessage(turn))

	st := o.newTurn(ctx, decision, turn.Prompt, conns)
	st.aspect = turn.AspectRatio()
	st.contents = history.FormatWindow(msgs, o.cfg.HistoryWindow)

	st.logger.Info("turn started",
		"tier", st.tier,
		"history", len(st.contents),
		"media", media,
	)
	o.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": st.requestID,
		"tier":       string(st.tier),
		"prompt_len": len(turn.Prompt),
		"media":      string(media),
	})

	resp, outcome, err := o.loop(ctx, st)
	return o.finish(st, resp, outcome, err)
}

func (o *Orchestrator) newTurn(ctx context.Context, d router.Decision, prompt string, conns []chat.Connection) *turnState {
	extra, _ := o.context.GetContext(ctx, ContextInput{Prompt: prompt, Connections: conns})
	return &turnState{
		requestID: d.RequestID,
		logger:    o.logger.With("request_id", d.RequestID),
		start:     time.Now(),
		tier:      d.Tier,
		budget:    d.ThinkingBudget,
		system:    prompts.SystemPrompt(o.cfg.Persona, o.now(), extra),
		prompt:    prompt,
		exec:      tools.ExecContext{Connections: conns},
	}
}

// loop is the tool-calling state machine. Memory writes, rejected
// consent requests and registry tools feed a result back and go round
// again; every other branch is terminal.
func (o *Orchestrator) loop(ctx context.Context, st *turnState) (*chat.Response, string, error) {
	catalog := o.registry.Catalog()

	for i := 0; i < o.cfg.MaxIterations; i++ {
		resp, err := o.generate(ctx, st, catalog)
		if err != nil {
			return nil, "", err
		}

		call := resp.ToolCall
		if call == nil {
			return o.final(resp), outcomeFinal, nil
		}
		st.contents = append(st.contents, pendingCall(resp.Content, call))

		kind := o.registry.Kind(call.Name)
		started := time.Now()
		st.logger.Debug("tool requested", "tool", call.Name, "kind", kind, "iter", st.iter)
		o.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"request_id": st.requestID,
			"tool":       call.Name,
			"kind":       kind.String(),
		})

		switch kind {
		case tools.KindMemoryWrite:
			o.answer(st, call, o.remember(ctx, st, call), started)

		case tools.KindConsentGate:
			out, rejected := o.requestConsent(st, resp, call)
			if out != nil {
				return out, outcomeConsent, nil
			}
			o.answer(st, call, rejected, started)

		case tools.KindImageGeneration, tools.KindVideoGeneration:
			return o.generateMedia(ctx, st, call, kind, started)

		case tools.KindWebSearch, tools.KindMapsSearch:
			return o.ground(ctx, st, call, kind, started)

		default:
			if t, ok := o.registry.Get(call.Name); ok && t.RequiresConsent {
				return o.gateCall(st, resp, call), outcomeConsent, nil
			}
			env := o.registry.Execute(tools.WithRequestID(ctx, st.requestID), call.Name, call.Args, st.exec)
			o.answer(st, call, env, started)
		}
	}

	st.logger.Warn("tool loop limit reached", "max_iterations", o.cfg.MaxIterations)
	return &chat.Response{Text: prompts.LoopLimitFallback}, outcomeLoopLimit, nil
}

// generate sends the current exchange to the model under the retry
// policy.
func (o *Orchestrator) generate(ctx context.Context, st *turnState, catalog []llm.ToolDeclaration) (*llm.Response, error) {
	req := &llm.Request{
		Tier:           st.tier,
		ThinkingBudget: st.budget,
		System:         st.system,
		Contents:       st.contents,
		Tools:          catalog,
	}

	st.iter++
	o.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"request_id": st.requestID,
		"iter":       st.iter,
		"tier":       string(st.tier),
	})
	st.logger.Log(ctx, llm.LevelTrace, "calling model", "iter", st.iter, "contents", len(st.contents))

	resp, err := retry.Do(ctx, o.cfg.Retry, "generate", func(ctx context.Context) (*llm.Response, error) {
		return o.gateway.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	st.model = resp.Model
	st.tokens += resp.InputTokens + resp.OutputTokens

	toolName := ""
	if resp.ToolCall != nil {
		toolName = resp.ToolCall.Name
	}
	o.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"request_id": st.requestID,
		"iter":       st.iter,
		"model":      resp.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_call":  toolName,
	})
	return resp, nil
}

// answer feeds a tool result back into the exchange.
func (o *Orchestrator) answer(st *turnState, call *llm.FunctionCall, env tools.Envelope, started time.Time) {
	if env.ToolName == "" {
		env.ToolName = call.Name
	}
	c := llm.FunctionResponseContent(call.Name, env.Response())
	c.Parts[0].FunctionResponse.ID = call.ID
	st.contents = append(st.contents, c)

	st.logger.Debug("tool answered", "tool", call.Name, "ok", env.OK())
	o.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  st.requestID,
		"tool":        call.Name,
		"ok":          env.OK(),
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

// remember stores a fact the model learned. It never ends the turn.
func (o *Orchestrator) remember(ctx context.Context, st *turnState, call *llm.FunctionCall) tools.Envelope {
	env := tools.Envelope{ToolName: call.Name}
	if o.memory == nil {
		env.Error = "Memory is not available."
		return env
	}

	args, err := decodeCall[tools.RememberArgs](o.registry, call)
	if err != nil {
		env.Error = err.Error()
		return env
	}
	fact := strings.TrimSpace(args.Fact)
	if fact == "" {
		env.Error = "fact is empty"
		return env
	}

	if err := o.memory.Remember(ctx, fact); err != nil {
		st.logger.Error("failed to save fact", "error", err)
		env.Error = "Could not save the fact."
		return env
	}
	st.learned = append(st.learned, fact)
	st.logger.Info("fact learned", "fact", fact)
	env.Result = map[string]any{"saved": fact}
	return env
}

// requestConsent turns a consent-gate call into a terminal consent
// request. A malformed request, or one naming a tool that does not
// exist, is returned as an error envelope for the model instead.
func (o *Orchestrator) requestConsent(st *turnState, resp *llm.Response, call *llm.FunctionCall) (*chat.Response, tools.Envelope) {
	env := tools.Envelope{ToolName: call.Name}

	reason, name, args, err := tools.ParseConsent(call.Args)
	if err != nil {
		env.Error = err.Error()
		return nil, env
	}
	switch kind := o.registry.Kind(name); {
	case kind == tools.KindUnknown:
		env.Error = (&tools.ErrToolUnavailable{ToolName: name}).Error()
		return nil, env
	case kind == tools.KindConsentGate:
		env.Error = "the consent tool cannot itself be gated"
		return nil, env
	case !gateable(kind):
		env.Error = fmt.Sprintf("tool %q does not need consent; call it directly", name)
		return nil, env
	}

	text := strings.TrimSpace(reason)
	if text == "" {
		text = strings.TrimSpace(resp.Text)
	}
	if text == "" {
		text = prompts.ConsentFallback(name)
	}

	st.logger.Info("consent requested", "tool", name)
	return &chat.Response{
		Text:            text,
		RequiresConsent: true,
		Action:          &chat.PendingAction{ToolName: name, ToolArgs: args},
	}, env
}

// gateCall answers a direct call to a consent-required tool with a
// consent request for that same call. The tool does not run.
func (o *Orchestrator) gateCall(st *turnState, resp *llm.Response, call *llm.FunctionCall) *chat.Response {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = prompts.ConsentFallback(call.Name)
	}
	args := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		args[k] = v
	}

	st.logger.Info("consent required before tool call", "tool", call.Name)
	return &chat.Response{
		Text:            text,
		RequiresConsent: true,
		Action:          &chat.PendingAction{ToolName: call.Name, ToolArgs: args},
	}
}

// generateMedia runs an image or video generation and finishes the
// turn with it.
func (o *Orchestrator) generateMedia(ctx context.Context, st *turnState, call *llm.FunctionCall, kind tools.Kind, started time.Time) (*chat.Response, string, error) {
	mk := llm.MediaImage
	if kind == tools.KindVideoGeneration {
		mk = llm.MediaVideo
	}

	args, err := decodeCall[tools.MediaArgs](o.registry, call)
	if err != nil {
		o.answer(st, call, tools.Envelope{Error: err.Error()}, started)
		return &chat.Response{Text: o.followUp(ctx, st, prompts.MediaFallback(string(mk), false))}, outcomeFinal, nil
	}
	prompt := strings.TrimSpace(args.Prompt)
	if prompt == "" {
		prompt = st.prompt
	}
	aspect := st.aspect
	if aspect == "" {
		aspect = args.AspectRatio
	}

	media, err := retry.Do(ctx, o.cfg.Retry, "generate_"+string(mk), func(ctx context.Context) (*llm.Media, error) {
		return o.gateway.GenerateMedia(ctx, &llm.MediaRequest{Kind: mk, Prompt: prompt, AspectRatio: aspect})
	})
	if err != nil {
		if llm.KindOf(err) == llm.KindBilling {
			st.logger.Warn("media generation needs billing", "media", mk, "error", err)
			return &chat.Response{Text: prompts.BillingRequired, RequiresBillingProject: true}, outcomeBilling, nil
		}
		if ctx.Err() != nil {
			return nil, "", err
		}
		st.logger.Warn("media generation failed", "media", mk, "error", err)
		o.answer(st, call, tools.Envelope{Error: fmt.Sprintf("%s generation failed", mk)}, started)
		return &chat.Response{Text: o.followUp(ctx, st, prompts.MediaFallback(string(mk), false))}, outcomeFinal, nil
	}

	out := &chat.Response{}
	var result string
	switch mk {
	case llm.MediaVideo:
		out.GeneratedVideo = &chat.GeneratedVideo{
			State:         chat.VideoGenerating,
			OperationName: media.OperationName,
		}
		result = "Video generation has started. The video will appear in the conversation when it is ready."
	default:
		out.GeneratedImage = &chat.Media{
			Kind:     chat.MediaImage,
			MIMEType: media.MIMEType,
			Data:     media.Data,
		}
		result = "The image was generated and is now shown to the user."
	}
	st.logger.Info("media generated", "media", mk, "bytes", len(media.Data), "operation", media.OperationName)

	o.answer(st, call, tools.Envelope{Result: result}, started)
	out.Text = o.followUp(ctx, st, prompts.MediaFallback(string(mk), true))
	return out, outcomeMedia, nil
}

// followUp asks the model to comment on the tool result it was just
// given. Any further tool call is ignored; failures fall back to
// canned text because the turn's real work is already done.
func (o *Orchestrator) followUp(ctx context.Context, st *turnState, fallback string) string {
	resp, err := o.generate(ctx, st, o.registry.Catalog())
	if err != nil {
		st.logger.Warn("follow-up generation failed", "error", err)
		return fallback
	}
	if text := strings.TrimSpace(resp.Text); text != "" {
		return text
	}
	return fallback
}

// ground answers with a separate single-turn grounded request. It is
// not part of the tool-calling exchange.
func (o *Orchestrator) ground(ctx context.Context, st *turnState, call *llm.FunctionCall, kind tools.Kind, started time.Time) (*chat.Response, string, error) {
	gk := llm.GroundWeb
	if kind == tools.KindMapsSearch {
		gk = llm.GroundMaps
	}

	query := st.prompt
	if args, err := decodeCall[tools.SearchArgs](o.registry, call); err == nil && strings.TrimSpace(args.Query) != "" {
		query = strings.TrimSpace(args.Query)
	}

	resp, err := retry.Do(ctx, o.cfg.Retry, "ground_"+string(gk), func(ctx context.Context) (*llm.Response, error) {
		return o.gateway.Ground(ctx, &llm.GroundRequest{Kind: gk, Query: query, System: st.system})
	})
	if err != nil {
		return nil, "", err
	}
	if resp.Model != "" {
		st.model = resp.Model
	}
	st.tokens += resp.InputTokens + resp.OutputTokens

	sources := Citations(resp.Sources)
	st.logger.Info("grounded answer", "grounding", gk, "sources", len(sources))
	o.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  st.requestID,
		"tool":        call.Name,
		"ok":          true,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = prompts.EmptyResponseFallback
	}
	return &chat.Response{Text: text, GroundingSources: sources}, outcomeGrounded, nil
}

func (o *Orchestrator) final(resp *llm.Response) *chat.Response {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = prompts.EmptyResponseFallback
	}
	return &chat.Response{Text: text, GroundingSources: Citations(resp.Sources)}
}

// finish stamps the shared response fields, converts errors into a
// user-safe reply, and records the outcome.
func (o *Orchestrator) finish(st *turnState, resp *chat.Response, outcome string, err error) (*chat.Response, error) {
	elapsed := time.Since(st.start)

	if err != nil {
		outcome = outcomeError
		resp = failureResponse(err)
		st.logger.Error("turn failed",
			"kind", llm.KindOf(err).String(),
			"iterations", st.iter,
			"error", err,
		)
	}
	resp.LearnedFacts = st.learned
	resp.Model = st.model

	o.router.RecordOutcome(st.requestID, st.model, elapsed.Milliseconds(), st.tokens, err == nil)

	st.logger.Info("turn complete",
		"outcome", outcome,
		"iterations", st.iter,
		"model", st.model,
		"tokens", st.tokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	o.events.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": st.requestID,
		"outcome":    outcome,
		"iterations": st.iter,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return resp, err
}

// failureResponse maps a classified error to the reply shown in place
// of the raw error. Billing is only reported for media generation, so
// here it is a generic failure.
func failureResponse(err error) *chat.Response {
	switch llm.KindOf(err) {
	case llm.KindOverloaded:
		return &chat.Response{Text: prompts.OverloadedApology}
	case llm.KindRateLimited:
		return &chat.Response{Text: prompts.RateLimitedApology}
	default:
		return &chat.Response{Text: prompts.GenericApology}
	}
}

// Citations deduplicates sources by URI and drops any that are not
// absolute http(s) links. A missing title falls back to the host name.
func Citations(sources []llm.Source) []chat.GroundingSource {
	var out []chat.GroundingSource
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		uri := strings.TrimSpace(s.URI)
		u, err := url.Parse(uri)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		if seen[uri] {
			continue
		}
		seen[uri] = true

		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = u.Host
		}
		out = append(out, chat.GroundingSource{URI: uri, Title: title})
	}
	return out
}

// pendingCall reduces a model turn to its text and the one function
// call being answered, so every call in the history has exactly one
// response.
func pendingCall(c llm.Content, call *llm.FunctionCall) llm.Content {
	out := llm.Content{Role: llm.RoleModel}
	found := false
	for _, p := range c.Parts {
		if p.FunctionCall == nil {
			out.Parts = append(out.Parts, p)
			continue
		}
		if !found && p.FunctionCall.Name == call.Name {
			out.Parts = append(out.Parts, p)
			found = true
		}
	}
	if !found {
		out.Parts = append(out.Parts, llm.Part{FunctionCall: call})
	}
	return out
}

// decodeCall validates a call's arguments against the registered
// schema and decodes them into A.
func decodeCall[A any](reg *tools.Registry, call *llm.FunctionCall) (A, error) {
	if t, ok := reg.Get(call.Name); ok {
		if err := t.Validate(call.Args); err != nil {
			var zero A
			return zero, err
		}
	}
	return tools.DecodeArgs[A](call.Args)
}
