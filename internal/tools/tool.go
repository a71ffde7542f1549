// Package tools maps tool names to executable capabilities and enforces
// the configured tool policy on every call.
package tools

import (
	"context"
	"encoding/json"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema is the JSON Schema for the tool's arguments. Nil means the
	// tool accepts anything.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see come back as a
	// failed ToolResult; a non-nil error means the tool itself broke.
	Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}
