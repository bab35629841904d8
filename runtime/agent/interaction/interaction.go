// Package interaction defines the durable records exchanged when a run pauses
// for human input: the InteractionRequest persisted at suspend time and the
// InteractionResponse submitted to resume it.
package interaction

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type (
	// Type identifies the kind of input an interaction asks for.
	Type string

	// Request is a paused execution awaiting user input. It captures the
	// exact tool call that triggered the pause so resume can replay it with
	// identical arguments. Requests are never mutated once persisted.
	Request struct {
		// ID uniquely identifies the request.
		ID string `json:"id"`
		// Type is the kind of answer expected.
		Type Type `json:"type"`
		// Title is a short headline suitable for a dialog.
		Title string `json:"title,omitempty"`
		// Prompt is the question shown to the user.
		Prompt string `json:"prompt"`
		// Options lists the allowed values for select and combined requests.
		Options []Option `json:"options,omitempty"`
		// MultiSelect allows more than one selected option.
		MultiSelect bool `json:"multi_select,omitempty"`
		// RunID is the suspended run.
		RunID string `json:"run_id"`
		// SessionID is the session owning the run.
		SessionID string `json:"session_id"`
		// UserID is the identity the permission check ran for, if any.
		UserID string `json:"user_id,omitempty"`
		// ToolCallID is the id of the call to replay on resume.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the name of the tool to replay.
		ToolName string `json:"tool_name"`
		// ToolArgs is the raw argument string of the call, byte for byte.
		ToolArgs string `json:"tool_args"`
		// CreatedAt is the suspend time.
		CreatedAt time.Time `json:"created_at"`
		// ExpiresAt is the deadline for answering. Zero means no expiry.
		ExpiresAt time.Time `json:"expires_at,omitempty"`
		// Metadata carries free-form context such as the permission resource.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Option is one selectable value.
	Option struct {
		Value string `json:"value"`
		Label string `json:"label,omitempty"`
	}

	// Response is a user's answer to a Request.
	Response struct {
		// RequestID references the answered request.
		RequestID string `json:"request_id"`
		// Type must match the request type.
		Type Type `json:"type"`
		// Confirmed is the answer to confirm and combined requests.
		Confirmed bool `json:"confirmed"`
		// Text is the free-form answer to input and combined requests.
		Text string `json:"text,omitempty"`
		// Selected lists the chosen option values for select requests.
		Selected []string `json:"selected,omitempty"`
		// RespondedBy identifies the answering user.
		RespondedBy string `json:"responded_by,omitempty"`
		// RespondedAt is when the answer was submitted.
		RespondedAt time.Time `json:"responded_at"`
	}
)

const (
	// TypeConfirm asks for a yes/no authorization.
	TypeConfirm Type = "confirm"
	// TypeInput asks for free-form text.
	TypeInput Type = "input"
	// TypeSelect asks to choose among Options.
	TypeSelect Type = "select"
	// TypeCombined asks for a confirmation together with free-form text.
	TypeCombined Type = "combined"
)

// MetadataResource is the metadata key holding the permission resource string
// a confirmation authorizes.
const MetadataResource = "resource"

var (
	// ErrNotFound indicates no request exists for the given id.
	ErrNotFound = errors.New("interaction request not found")
	// ErrExpired indicates the request can no longer be answered.
	ErrExpired = errors.New("interaction request expired")
	// ErrAlreadyAnswered indicates a response was already recorded.
	ErrAlreadyAnswered = errors.New("interaction request already answered")
	// ErrTypeMismatch indicates the response type differs from the request type.
	ErrTypeMismatch = errors.New("interaction response type does not match request")
	// ErrRequestMismatch indicates the response references another request.
	ErrRequestMismatch = errors.New("interaction response does not reference the request")
	// ErrInvalidSelection indicates selected values outside the request options.
	ErrInvalidSelection = errors.New("interaction response selection is invalid")
)

// Valid reports whether t is a known interaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeConfirm, TypeInput, TypeSelect, TypeCombined:
		return true
	default:
		return false
	}
}

// Expired reports whether the request deadline has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Resource returns the permission resource recorded in the metadata, if any.
func (r *Request) Resource() string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[MetadataResource].(string)
	return s
}

// Validate checks the request is well formed before it is persisted.
func (r *Request) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("interaction id is required")
	case !r.Type.Valid():
		return fmt.Errorf("invalid interaction type %q", r.Type)
	case r.RunID == "":
		return errors.New("run id is required")
	case r.SessionID == "":
		return errors.New("session id is required")
	case r.ToolCallID == "":
		return errors.New("tool call id is required")
	case r.ToolName == "":
		return errors.New("tool name is required")
	case r.Type == TypeSelect && len(r.Options) == 0:
		return errors.New("select interaction requires options")
	}
	return nil
}

// Approved reports whether the response authorizes the paused call. Input
// and select answers always let the call proceed.
func (r *Response) Approved() bool {
	switch r.Type {
	case TypeConfirm, TypeCombined:
		return r.Confirmed
	default:
		return true
	}
}

// ValidateResponse checks resp answers req at now.
func ValidateResponse(req *Request, resp *Response, now time.Time) error {
	if req == nil {
		return ErrNotFound
	}
	if resp == nil {
		return errors.New("interaction response is required")
	}
	if resp.RequestID != req.ID {
		return fmt.Errorf("%w: got %q, want %q", ErrRequestMismatch, resp.RequestID, req.ID)
	}
	if resp.Type != req.Type {
		return fmt.Errorf("%w: got %q, want %q", ErrTypeMismatch, resp.Type, req.Type)
	}
	if req.Expired(now) {
		return ErrExpired
	}
	if req.Type == TypeSelect {
		if len(resp.Selected) == 0 || (!req.MultiSelect && len(resp.Selected) > 1) {
			return ErrInvalidSelection
		}
		for _, v := range resp.Selected {
			if !slices.ContainsFunc(req.Options, func(o Option) bool { return o.Value == v }) {
				return fmt.Errorf("%w: %q", ErrInvalidSelection, v)
			}
		}
	}
	return nil
}
