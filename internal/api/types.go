package api

import (
	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/session"
	"github.com/samcharles93/spindle/internal/version"
)

type CreateSessionRequest struct {
	ID           string             `json:"id,omitempty"`
	Grammar      string             `json:"grammar,omitempty"`
	Script       string             `json:"script,omitempty"`
	ScriptParams map[string]float64 `json:"script_params,omitempty"`
	Params       session.Options    `json:"params"`
}

func (r CreateSessionRequest) config() session.Config {
	return session.Config{
		ID:           r.ID,
		Grammar:      r.Grammar,
		Script:       r.Script,
		ScriptParams: r.ScriptParams,
		Params:       r.Params,
	}
}

// UpdateSessionRequest changes a live session. Omitted fields are kept; an
// empty script removes the session's script.
type UpdateSessionRequest struct {
	Grammar      *string            `json:"grammar,omitempty"`
	Script       *string            `json:"script,omitempty"`
	ScriptParams map[string]float64 `json:"script_params,omitempty"`
	Params       *session.Options   `json:"params,omitempty"`
}

func (r UpdateSessionRequest) update() session.Update {
	return session.Update{
		Grammar:      r.Grammar,
		Script:       r.Script,
		ScriptParams: r.ScriptParams,
		Params:       r.Params,
	}
}

type CopySessionRequest struct {
	ID string `json:"id,omitempty"`
}

// StepRequest carries the prompt and per-step overrides of the session's
// sampling params.
type StepRequest struct {
	Prompt string `json:"prompt,omitempty"`
	Tokens []int  `json:"tokens,omitempty"`
	Stream *bool  `json:"stream,omitempty"`
	session.Options
}

func (r StepRequest) engineRequest(sessionID string) inference.StepRequest {
	return inference.StepRequest{
		SessionID: sessionID,
		Prompt:    r.Prompt,
		Tokens:    r.Tokens,
		Options:   r.Options,
	}
}

type StepResponse struct {
	*inference.Result
	Errors []inference.ErrorEvent `json:"errors,omitempty"`
}

type SessionList struct {
	Object string         `json:"object"`
	Data   []session.Info `json:"data"`
}

type HealthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
}
