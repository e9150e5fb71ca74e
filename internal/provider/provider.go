// Package provider is the boundary to the external content-generation API.
package provider

import (
	"context"
	"encoding/json"
)

// Result is the provider's answer for one generation request. A transport
// error and Success=false are treated identically by callers: the item failed.
type Result struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, prompt string, options json.RawMessage) (Result, error)
	UsageStats(ctx context.Context) (json.RawMessage, error)
}
