package agent

import (
	"context"
	"errors"
	"fmt"
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

// ErrNoAction is returned when RespondAfterConsent has nothing to run.
var ErrNoAction = errors.New("no pending action")

// RespondAfterConsent executes a previously gated action exactly once,
// hands its result to the model in answer to the consent request, and
// returns the model's reply. It does not re-enter the tool loop.
//
// session should end with the consent request the action came from;
// if it does not, the request is replayed from action.
func (o *Orchestrator) RespondAfterConsent(ctx context.Context, action *chat.PendingAction, session []chat.Message, conns []chat.Connection) (*chat.Response, error) {
	if action == nil || action.ToolName == "" {
		return failureResponse(ErrNoAction), ErrNoAction
	}
	if kind := o.registry.Kind(action.ToolName); kind != tools.KindUnknown && !gateable(kind) {
		err := fmt.Errorf("tool %q cannot run after consent", action.ToolName)
		return failureResponse(err), err
	}

	prompt := lastUserPrompt(session)
	decision := o.router.Route(ctx, router.Request{Prompt: prompt})
	st := o.newTurn(ctx, decision, prompt, conns)
	st.contents = withConsentCall(history.FormatWindow(session, o.cfg.HistoryWindow), action)

	st.logger.Info("running consented action", "tool", action.ToolName)
	o.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": st.requestID,
		"tier":       string(st.tier),
		"prompt_len": len(prompt),
		"consent":    action.ToolName,
	})

	started := time.Now()
	o.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id": st.requestID,
		"tool":       action.ToolName,
		"kind":       o.registry.Kind(action.ToolName).String(),
	})
	env := o.registry.Execute(tools.WithRequestID(ctx, st.requestID), action.ToolName, action.ToolArgs, st.exec)

	payload := env.Response()
	payload["granted"] = true
	payload["toolName"] = action.ToolName
	st.contents = append(st.contents, llm.FunctionResponseContent(tools.RequestConsent, payload))
	o.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  st.requestID,
		"tool":        action.ToolName,
		"ok":          env.OK(),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	resp, err := o.generate(ctx, st, o.registry.Catalog())
	if err != nil {
		return o.finish(st, nil, "", err)
	}
	return o.finish(st, o.final(resp), outcomeFinal, nil)
}

// gateable reports whether a tool of kind can be the target of a
// consent request. Only registry-executed tools qualify; the rest are
// handled by the orchestrator itself.
func gateable(kind tools.Kind) bool {
	return kind == tools.KindFunction || kind == tools.KindLocation
}

// DeclineResponse is the reply recorded when the user refuses a
// consent request. The model is not consulted.
func DeclineResponse() *chat.Response {
	return &chat.Response{Text: prompts.ConsentDeclinedReply}
}

// withConsentCall makes sure the exchange ends with a model call to
// the consent tool that the tool result can answer.
func withConsentCall(contents []llm.Content, action *chat.PendingAction) []llm.Content {
	if n := len(contents); n > 0 && contents[n-1].Role == llm.RoleModel {
		parts := contents[n-1].Parts
		if len(parts) > 0 && parts[len(parts)-1].FunctionCall != nil &&
			parts[len(parts)-1].FunctionCall.Name == tools.RequestConsent {
			return contents
		}
	}

	call := llm.FunctionCallContent(tools.RequestConsent, history.ConsentArgs("", action))
	if n := len(contents); n > 0 && contents[n-1].Role == llm.RoleModel {
		contents[n-1].Parts = append(contents[n-1].Parts, call.Parts...)
		return contents
	}
	return append(contents, call)
}

func lastUserPrompt(session []chat.Message) string {
	for i := len(session) - 1; i >= 0; i-- {
		if session[i].Author == chat.AuthorUser {
			return session[i].Text
		}
	}
	return ""
}

// CheckVideo polls an asynchronous video generation and returns its
// current handle.
func (o *Orchestrator) CheckVideo(ctx context.Context, operationName string) (*chat.GeneratedVideo, error) {
	if operationName == "" {
		return nil, errors.New("operation name is required")
	}

	status, err := retry.Do(ctx, o.cfg.Retry, "poll_video", func(ctx context.Context) (*llm.VideoStatus, error) {
		return o.gateway.PollVideo(ctx, operationName)
	})
	if err != nil {
		return nil, err
	}

	v := &chat.GeneratedVideo{OperationName: operationName}
	switch {
	case !status.Done:
		v.State = chat.VideoGenerating
	case status.Error != "":
		v.State = chat.VideoError
		v.Error = status.Error
	default:
		v.State = chat.VideoReady
		v.URL = status.URI
	}
	o.logger.Debug("video polled", "operation", operationName, "state", v.State)
	return v, nil
}
