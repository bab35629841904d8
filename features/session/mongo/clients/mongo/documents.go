package mongo

import (
	"time"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/toolerrors"
)

type (
	runDocument struct {
		RunID                string            `bson:"run_id"`
		AgentID              string            `bson:"agent_id"`
		SessionID            string            `bson:"session_id"`
		UserID               string            `bson:"user_id,omitempty"`
		ParentRunID          string            `bson:"parent_run_id,omitempty"`
		Depth                int               `bson:"depth"`
		Status               session.RunStatus `bson:"status"`
		Query                string            `bson:"query"`
		FinalResponse        string            `bson:"final_response,omitempty"`
		Error                string            `bson:"error,omitempty"`
		PendingInteractionID string            `bson:"pending_interaction_id"`
		Metrics              metricsDocument   `bson:"metrics"`
		EventSequence        int64             `bson:"event_sequence"`
		CreatedAt            time.Time         `bson:"created_at"`
		UpdatedAt            time.Time         `bson:"updated_at"`
	}

	metricsDocument struct {
		Steps        int   `bson:"steps"`
		ModelCalls   int   `bson:"model_calls"`
		ToolCalls    int   `bson:"tool_calls"`
		InputTokens  int   `bson:"input_tokens"`
		OutputTokens int   `bson:"output_tokens"`
		TotalTokens  int   `bson:"total_tokens"`
		DurationNS   int64 `bson:"duration_ns"`
	}

	stepDocument struct {
		StepID       string             `bson:"step_id"`
		SessionID    string             `bson:"session_id"`
		RunID        string             `bson:"run_id"`
		Sequence     int64              `bson:"sequence"`
		Role         string             `bson:"role"`
		Content      string             `bson:"content"`
		ToolCalls    []toolCallDocument `bson:"tool_calls,omitempty"`
		ToolCallID   string             `bson:"tool_call_id,omitempty"`
		ToolName     string             `bson:"tool_name,omitempty"`
		Arguments    string             `bson:"arguments,omitempty"`
		Error        *toolErrorDocument `bson:"error,omitempty"`
		Cached       bool               `bson:"cached,omitempty"`
		DurationNS   int64              `bson:"duration_ns"`
		InputTokens  int                `bson:"input_tokens,omitempty"`
		OutputTokens int                `bson:"output_tokens,omitempty"`
		TotalTokens  int                `bson:"total_tokens,omitempty"`
		CreatedAt    time.Time          `bson:"created_at"`
	}

	toolCallDocument struct {
		ID        string `bson:"id"`
		Name      string `bson:"name"`
		Arguments string `bson:"arguments"`
	}

	toolErrorDocument struct {
		Kind    string             `bson:"kind"`
		Message string             `bson:"message"`
		Cause   *toolErrorDocument `bson:"cause,omitempty"`
	}

	interactionDocument struct {
		InteractionID string            `bson:"interaction_id"`
		Type          string            `bson:"type"`
		Title         string            `bson:"title,omitempty"`
		Prompt        string            `bson:"prompt"`
		Options       []optionDocument  `bson:"options,omitempty"`
		MultiSelect   bool              `bson:"multi_select,omitempty"`
		RunID         string            `bson:"run_id"`
		SessionID     string            `bson:"session_id"`
		UserID        string            `bson:"user_id,omitempty"`
		ToolCallID    string            `bson:"tool_call_id"`
		ToolName      string            `bson:"tool_name"`
		ToolArgs      string            `bson:"tool_args"`
		CreatedAt     time.Time         `bson:"created_at"`
		ExpiresAt     *time.Time        `bson:"expires_at,omitempty"`
		Metadata      map[string]any    `bson:"metadata,omitempty"`
		Response      *responseDocument `bson:"response,omitempty"`
	}

	optionDocument struct {
		Value string `bson:"value"`
		Label string `bson:"label,omitempty"`
	}

	responseDocument struct {
		Type        string    `bson:"type"`
		Confirmed   bool      `bson:"confirmed"`
		Text        string    `bson:"text,omitempty"`
		Selected    []string  `bson:"selected,omitempty"`
		RespondedBy string    `bson:"responded_by,omitempty"`
		RespondedAt time.Time `bson:"responded_at"`
	}
)

func fromRun(run *session.Run) runDocument {
	m := run.Metrics
	return runDocument{
		RunID:                run.ID,
		AgentID:              string(run.AgentID),
		SessionID:            run.SessionID,
		UserID:               run.UserID,
		ParentRunID:          run.ParentRunID,
		Depth:                run.Depth,
		Status:               run.Status,
		Query:                run.Query,
		FinalResponse:        run.FinalResponse,
		Error:                run.Error,
		PendingInteractionID: run.PendingInteractionID,
		Metrics: metricsDocument{
			Steps:        m.Steps,
			ModelCalls:   m.ModelCalls,
			ToolCalls:    m.ToolCalls,
			InputTokens:  m.Usage.InputTokens,
			OutputTokens: m.Usage.OutputTokens,
			TotalTokens:  m.Usage.TotalTokens,
			DurationNS:   int64(m.Duration),
		},
		EventSequence: run.EventSequence,
		CreatedAt:     run.CreatedAt.UTC(),
		UpdatedAt:     run.UpdatedAt.UTC(),
	}
}

func (doc runDocument) toRun() *session.Run {
	m := doc.Metrics
	return &session.Run{
		ID:                   doc.RunID,
		AgentID:              agent.Ident(doc.AgentID),
		SessionID:            doc.SessionID,
		UserID:               doc.UserID,
		ParentRunID:          doc.ParentRunID,
		Depth:                doc.Depth,
		Status:               doc.Status,
		Query:                doc.Query,
		FinalResponse:        doc.FinalResponse,
		Error:                doc.Error,
		PendingInteractionID: doc.PendingInteractionID,
		Metrics: session.RunMetrics{
			Steps:      m.Steps,
			ModelCalls: m.ModelCalls,
			ToolCalls:  m.ToolCalls,
			Usage: model.TokenUsage{
				InputTokens:  m.InputTokens,
				OutputTokens: m.OutputTokens,
				TotalTokens:  m.TotalTokens,
			},
			Duration: time.Duration(m.DurationNS),
		},
		EventSequence: doc.EventSequence,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}
}

func fromStep(s *session.Step) stepDocument {
	doc := stepDocument{
		StepID:       s.ID,
		SessionID:    s.SessionID,
		RunID:        s.RunID,
		Sequence:     s.Sequence,
		Role:         string(s.Role),
		Content:      s.Content,
		ToolCallID:   s.ToolCallID,
		ToolName:     s.ToolName,
		Arguments:    s.Arguments,
		Error:        fromToolError(s.Error),
		Cached:       s.Cached,
		DurationNS:   int64(s.Metrics.Duration),
		InputTokens:  s.Metrics.Usage.InputTokens,
		OutputTokens: s.Metrics.Usage.OutputTokens,
		TotalTokens:  s.Metrics.Usage.TotalTokens,
		CreatedAt:    s.CreatedAt.UTC(),
	}
	for _, c := range s.ToolCalls {
		doc.ToolCalls = append(doc.ToolCalls, toolCallDocument{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	return doc
}

func (doc stepDocument) toStep() *session.Step {
	s := &session.Step{
		ID:         doc.StepID,
		SessionID:  doc.SessionID,
		RunID:      doc.RunID,
		Sequence:   doc.Sequence,
		Role:       model.Role(doc.Role),
		Content:    doc.Content,
		ToolCallID: doc.ToolCallID,
		ToolName:   doc.ToolName,
		Arguments:  doc.Arguments,
		Error:      doc.Error.toToolError(),
		Cached:     doc.Cached,
		Metrics: session.StepMetrics{
			Duration: time.Duration(doc.DurationNS),
			Usage: model.TokenUsage{
				InputTokens:  doc.InputTokens,
				OutputTokens: doc.OutputTokens,
				TotalTokens:  doc.TotalTokens,
			},
		},
		CreatedAt: doc.CreatedAt.UTC(),
	}
	for _, c := range doc.ToolCalls {
		s.ToolCalls = append(s.ToolCalls, model.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	return s
}

func fromToolError(e *toolerrors.ToolError) *toolErrorDocument {
	if e == nil {
		return nil
	}
	return &toolErrorDocument{Kind: string(e.Kind), Message: e.Message, Cause: fromToolError(e.Cause)}
}

func (doc *toolErrorDocument) toToolError() *toolerrors.ToolError {
	if doc == nil {
		return nil
	}
	return &toolerrors.ToolError{Kind: toolerrors.Kind(doc.Kind), Message: doc.Message, Cause: doc.Cause.toToolError()}
}

func fromRequest(req *interaction.Request) interactionDocument {
	doc := interactionDocument{
		InteractionID: req.ID,
		Type:          string(req.Type),
		Title:         req.Title,
		Prompt:        req.Prompt,
		MultiSelect:   req.MultiSelect,
		RunID:         req.RunID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		ToolCallID:    req.ToolCallID,
		ToolName:      req.ToolName,
		ToolArgs:      req.ToolArgs,
		CreatedAt:     req.CreatedAt.UTC(),
		Metadata:      cloneMetadata(req.Metadata),
	}
	if !req.ExpiresAt.IsZero() {
		at := req.ExpiresAt.UTC()
		doc.ExpiresAt = &at
	}
	for _, o := range req.Options {
		doc.Options = append(doc.Options, optionDocument{Value: o.Value, Label: o.Label})
	}
	return doc
}

func (doc interactionDocument) toRequest() *interaction.Request {
	req := &interaction.Request{
		ID:          doc.InteractionID,
		Type:        interaction.Type(doc.Type),
		Title:       doc.Title,
		Prompt:      doc.Prompt,
		MultiSelect: doc.MultiSelect,
		RunID:       doc.RunID,
		SessionID:   doc.SessionID,
		UserID:      doc.UserID,
		ToolCallID:  doc.ToolCallID,
		ToolName:    doc.ToolName,
		ToolArgs:    doc.ToolArgs,
		CreatedAt:   doc.CreatedAt.UTC(),
		Metadata:    cloneMetadata(doc.Metadata),
	}
	if doc.ExpiresAt != nil {
		req.ExpiresAt = doc.ExpiresAt.UTC()
	}
	for _, o := range doc.Options {
		req.Options = append(req.Options, interaction.Option{Value: o.Value, Label: o.Label})
	}
	return req
}

func fromResponse(resp *interaction.Response) responseDocument {
	return responseDocument{
		Type:        string(resp.Type),
		Confirmed:   resp.Confirmed,
		Text:        resp.Text,
		Selected:    append([]string(nil), resp.Selected...),
		RespondedBy: resp.RespondedBy,
		RespondedAt: resp.RespondedAt.UTC(),
	}
}

func (doc *responseDocument) toResponse(requestID string) *interaction.Response {
	return &interaction.Response{
		RequestID:   requestID,
		Type:        interaction.Type(doc.Type),
		Confirmed:   doc.Confirmed,
		Text:        doc.Text,
		Selected:    append([]string(nil), doc.Selected...),
		RespondedBy: doc.RespondedBy,
		RespondedAt: doc.RespondedAt.UTC(),
	}
}

// cloneMetadata copies metadata values. Only scalar values are expected;
// nested documents decode as bson documents.
func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
