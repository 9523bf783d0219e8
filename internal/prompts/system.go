package prompts

import (
	"fmt"
	"strings"
	"time"
)

// defaultPersona is used when no persona file is configured.
const defaultPersona = `You are Parley, a friendly voice assistant.

Your replies are read aloud, so write the way people talk:
- Keep answers short. One to three sentences unless the user asks for more.
- Avoid tables, code blocks and long lists. Plain sentences work best.
- Do not read out URLs; the app shows sources on screen.

## Tools
- Use search_web for anything current: news, scores, prices, opening hours.
- Use search_maps for places, directions and what is nearby.
- Use remember_fact when the user tells you something lasting about
  themselves, then carry on with the conversation.
- Use generate_image or generate_video only when asked to create media.

Greetings and small talk never need tools.`

// systemTemplate wraps the persona with live context.
// Format verbs: (1) persona, (2) current time, (3) context sections.
const systemTemplate = `%s

Current date and time: %s
%s`

// DefaultPersona returns the built-in persona text.
func DefaultPersona() string {
	return defaultPersona
}

// SystemPrompt assembles the system instruction for one turn from the
// persona, the current time and the rendered context sections.
func SystemPrompt(persona string, now time.Time, context string) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = defaultPersona
	}
	if context != "" {
		context = "\n" + context
	}
	return strings.TrimRight(fmt.Sprintf(systemTemplate, persona, now.Format("Monday, January 2, 2006 15:04 MST"), context), "\n")
}

// consentInstructions introduces the list of tools that must pass the
// consent gate. Format verb: the consent tool name.
const consentInstructions = `Before calling any tool listed below you MUST first call %s with a short
reason the user will see, the tool name in toolToCall, and its arguments as
a JSON object string in toolArgs. Never call these tools directly.`

// ConsentInstructions returns the consent gate preamble for tool.
func ConsentInstructions(consentTool string) string {
	return fmt.Sprintf(consentInstructions, consentTool)
}
