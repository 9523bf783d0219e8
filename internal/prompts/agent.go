package prompts

import "fmt"

// EmptyResponseFallback is returned when the model finishes without
// producing any text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// LoopLimitFallback is returned when a turn hits the tool round-trip
// cap without reaching an answer.
const LoopLimitFallback = "I got stuck working on that and had to stop. Could you try asking in a different way?"

// OverloadedApology is returned when the model stays overloaded after
// retries.
const OverloadedApology = "Sorry, the model is overloaded right now. Please try again in a moment."

// RateLimitedApology is returned when the request quota is exhausted.
const RateLimitedApology = "Sorry, I've hit my request limit. Please wait a minute and try again."

// GenericApology is returned for any other failure.
const GenericApology = "Sorry, something went wrong while I was working on that. Please try again."

// BillingRequired is returned when a feature needs a billed project.
const BillingRequired = "That feature needs a Google Cloud project with billing enabled. Connect a billing project and try again."

// ConsentGranted and ConsentDeclined are appended to a consent request
// once the user answers it.
const (
	ConsentGranted  = "Permission granted."
	ConsentDeclined = "Permission declined."
)

// ConsentDeclinedReply is the assistant's answer to a declined request.
const ConsentDeclinedReply = "Okay, I won't do that."

// ConsentFallback returns the consent reason shown when the model did
// not supply one.
func ConsentFallback(toolName string) string {
	return fmt.Sprintf("I need your permission to use %s.", toolName)
}

// MediaFallback returns the reply used when the model says nothing
// after a media generation.
func MediaFallback(kind string, ok bool) string {
	if !ok {
		return fmt.Sprintf("Sorry, I couldn't generate that %s.", kind)
	}
	if kind == "video" {
		return "Your video is being generated. It will appear here when it's ready."
	}
	return fmt.Sprintf("Here is your %s.", kind)
}
