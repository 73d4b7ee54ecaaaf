package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSignflowServer(t *testing.T) {
	s := NewSignflowServer(SignflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewSignflowServer(SignflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	expectedTools := []string{
		"signflow.define",
		"signflow.start",
		"signflow.status",
		"signflow.respond",
		"signflow.signed",
		"signflow.cancel",
		"signflow.retry",
		"signflow.webhook",
		"signflow.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"define", "signflow.define", "Validate and register a workflow definition"},
		{"start", "signflow.start", "Start an execution of an active workflow against a document"},
		{"respond", "signflow.respond", "Record an approver's decision on an approval request"},
		{"webhook", "signflow.webhook", "Manage webhook subscriptions to lifecycle events"},
	}

	s := NewSignflowServer(SignflowServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
