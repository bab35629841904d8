package tools

import (
	"errors"

	"goa.design/stepflow/runtime/agent/interaction"
)

type (
	// InputRequest describes the question a tool asks the user before it can
	// complete. The executor turns it into a persisted interaction.Request
	// bound to the current call.
	InputRequest struct {
		Type        interaction.Type
		Title       string
		Prompt      string
		Options     []interaction.Option
		MultiSelect bool
		Metadata    map[string]any
	}

	// InputRequiredError is returned by a tool handler to suspend the run
	// until the user answers. When the call is replayed the answer is
	// available in CallContext.Response.
	InputRequiredError struct {
		Request InputRequest
	}
)

// RequestInput returns an error suspending the current call on req.
func RequestInput(req InputRequest) error {
	if req.Type == "" {
		req.Type = interaction.TypeInput
	}
	return &InputRequiredError{Request: req}
}

// Error implements error.
func (e *InputRequiredError) Error() string {
	return "tool requires user input: " + e.Request.Prompt
}

// AsInputRequired returns the InputRequiredError in err's chain, if any.
func AsInputRequired(err error) (*InputRequiredError, bool) {
	var ire *InputRequiredError
	if errors.As(err, &ire) {
		return ire, true
	}
	return nil, false
}
