package tools

import (
	"context"

	"github.com/nevinhive/clawgate/internal/providers"
)

// Tool is one callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ToProviderDef converts a Tool's schema into the wire format the LLM
// provider expects.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// BuiltinToolSettings holds per-agent JSON config blobs for builtin tools
// that need runtime tuning (e.g. shell allowlists), keyed by tool name.
type BuiltinToolSettings map[string][]byte
