package llm

import (
	"context"
	"encoding/json"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat completion request and returns a channel of incremental deltas.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)

	// Structured sends a completion request constrained to a JSON schema and
	// returns the raw JSON output. Callers validate the result against the
	// same schema; models do not always honor the constraint.
	Structured(ctx context.Context, messages []Message, schemaName string, schema json.RawMessage) (json.RawMessage, *Usage, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
