package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type schemaTool struct {
	schema string
	ran    bool
}

func (t *schemaTool) Name() string             { return "add_numbers" }
func (t *schemaTool) Description() string      { return "adds two numbers" }
func (t *schemaTool) Schema() json.RawMessage  { return json.RawMessage(t.schema) }
func (t *schemaTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	t.ran = true
	return &ToolResult{Content: "3"}, nil
}

const addSchema = `{
	"type": "object",
	"properties": {
		"a": {"type": "number"},
		"b": {"type": "number"}
	},
	"required": ["a", "b"]
}`

func TestRegistryValidatesArguments(t *testing.T) {
	registry := NewToolRegistry()
	tool := &schemaTool{schema: addSchema}
	require.NoError(t, registry.Register(tool))

	// Valid arguments reach the tool.
	result, err := registry.Execute(context.Background(), "add_numbers", json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	require.Equal(t, "3", result.Content)
	require.True(t, tool.ran)

	// Missing required field is an ArgumentError that never reaches the tool.
	tool.ran = false
	_, err = registry.Execute(context.Background(), "add_numbers", json.RawMessage(`{"a":1}`))
	require.Error(t, err)
	var rtErr *RuntimeError
	require.True(t, errors.As(err, &rtErr))
	require.Equal(t, KindArgument, rtErr.Kind)
	require.False(t, tool.ran)

	// Malformed JSON is also an ArgumentError.
	_, err = registry.Execute(context.Background(), "add_numbers", json.RawMessage(`{"a":`))
	require.Error(t, err)
	require.True(t, errors.As(err, &rtErr))
	require.Equal(t, KindArgument, rtErr.Kind)
}

func TestRegistryUnknownTool(t *testing.T) {
	registry := NewToolRegistry()
	_, err := registry.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	registry := NewToolRegistry()
	err := registry.Register(&schemaTool{schema: `{"type": 42}`})
	require.Error(t, err)
	_, ok := registry.Get("add_numbers")
	require.False(t, ok)
}

func TestRegistryAllSortedByName(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(&funcTool{name: "zeta", fn: nil}))
	require.NoError(t, registry.Register(&funcTool{name: "alpha", fn: nil}))

	all := registry.All()
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].Name())
	require.Equal(t, "zeta", all[1].Name())
}
