package tools

import "fmt"

// Result is a tool outcome. ForLLM goes back into the conversation as the
// tool observation; ForUser, when set, is shown to the user directly.
type Result struct {
	ForLLM  string
	ForUser string
	// Silent suppresses the assistant's final text after this tool ran
	// (used by send_image: the image is already delivered).
	Silent  bool
	IsError bool
}

// Ok builds a successful result.
func Ok(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// Okf builds a successful result with a formatted message.
func Okf(format string, args ...any) *Result {
	return &Result{ForLLM: fmt.Sprintf(format, args...)}
}

// Errf builds an error result. The message is still delivered to the model
// so it can react or retry with different arguments.
func Errf(format string, args ...any) *Result {
	return &Result{ForLLM: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}
