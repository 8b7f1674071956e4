package chunkstream

import "encoding/json"

// Validation is the outcome of checking a raw tool result.
type Validation struct {
	IsValid bool
	// Result is the payload to surface downstream. For valid results this
	// is the original payload; invalid results keep the payload too so
	// callers can show what the tool actually returned.
	Result json.RawMessage
	// Reason explains an invalid classification.
	Reason string
}

// ToolResultValidator classifies a raw tool result for a named tool.
type ToolResultValidator interface {
	Validate(toolName string, rawResult json.RawMessage) Validation
}

// ResultValidator is the default ToolResultValidator. A result is invalid
// when it carries a success:false shape, unless the tool is a
// command-execution tool reporting an integer exitCode: a non-zero exit is
// a domain failure, not a malformed tool call.
type ResultValidator struct {
	commandTools map[string]bool
}

// NewResultValidator creates a validator that treats the given tool names
// as command-execution tools. With no names it defaults to the builtin
// command tools.
func NewResultValidator(commandTools ...string) *ResultValidator {
	if len(commandTools) == 0 {
		commandTools = []string{"execute_command", "run_command", "bash"}
	}
	set := make(map[string]bool, len(commandTools))
	for _, name := range commandTools {
		set[name] = true
	}
	return &ResultValidator{commandTools: set}
}

func (v *ResultValidator) Validate(toolName string, rawResult json.RawMessage) Validation {
	var shape struct {
		Success  *bool            `json:"success"`
		ExitCode *json.RawMessage `json:"exitCode"`
	}
	if err := json.Unmarshal(rawResult, &shape); err != nil {
		// Non-object results (plain strings, arrays) have no failure
		// shape to flag.
		return Validation{IsValid: true, Result: rawResult}
	}
	if shape.Success == nil || *shape.Success {
		return Validation{IsValid: true, Result: rawResult}
	}
	if v.commandTools[toolName] && isIntegerJSON(shape.ExitCode) {
		return Validation{IsValid: true, Result: rawResult}
	}
	return Validation{
		IsValid: false,
		Result:  rawResult,
		Reason:  "tool reported success=false",
	}
}

func isIntegerJSON(raw *json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var n json.Number
	if err := json.Unmarshal(*raw, &n); err != nil {
		return false
	}
	_, err := n.Int64()
	return err == nil
}
