// Package engine is the LLM boundary. The pipeline runner talks to a
// Generator; the production implementation is genkit-backed, and tests
// substitute deterministic fakes.
package engine

import (
	"context"
	"encoding/json"

	"github.com/firebase/genkit/go/ai"
)

// StructuredRequest asks for a single schema-validated completion.
type StructuredRequest struct {
	SystemPrompt string
	Prompt       string
	SchemaJSON   json.RawMessage
	MaxRetries   int
}

// ToolRunRequest asks for a bounded multi-step tool-calling run. The model
// may call any of the supplied tools; MaxTurns caps the tool loop so a
// runaway model cannot spin forever.
type ToolRunRequest struct {
	SystemPrompt string
	Prompt       string
	Tools        []ai.ToolRef
	MaxTurns     int
}

// Generator is the LLM capability the pipeline phases run on.
type Generator interface {
	// GenerateStructured returns validated JSON matching req.SchemaJSON.
	// Responses that fail validation are retried with error feedback up to
	// req.MaxRetries times before the last validation error is returned.
	GenerateStructured(ctx context.Context, req StructuredRequest) (string, error)

	// RunWithTools executes a tool-calling run and returns the model's
	// final text. Tool side effects happen inside the tools themselves.
	RunWithTools(ctx context.Context, req ToolRunRequest) (string, error)
}
