// Package prompts contains the prompt text and user-facing messages
// used by Parley.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests. The
// persona lives in a user-editable file named by config.yaml; this package
// holds the default persona, the instruction scaffolding around it, and the
// fixed messages returned when a turn cannot complete normally.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully interpolated
// string.
package prompts
