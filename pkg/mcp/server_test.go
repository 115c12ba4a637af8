package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	env := newTestEnv(t)

	tools := env.server.mcpServer.ListTools()
	require.Len(t, tools, 6)

	for _, name := range []string{
		"dynsched.start",
		"dynsched.status",
		"dynsched.resume",
		"dynsched.cancel",
		"dynsched.desire",
		"dynsched.operations",
	} {
		assert.NotNil(t, env.server.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolRegistration_WithoutReconciler(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.Len(t, s.mcpServer.ListTools(), 5)
	assert.Nil(t, s.mcpServer.GetTool("dynsched.desire"))
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"dynsched.start", "Start a schedule of a registered operation"},
		{"dynsched.status", "Get the state of a schedule"},
		{"dynsched.resume", "Resume a schedule waiting for manual intervention"},
		{"dynsched.cancel", "Cancel a schedule and undo its completed steps"},
		{"dynsched.desire", "Declare the desired state of a managed service"},
		{"dynsched.operations", "List registered operations"},
	}

	env := newTestEnv(t)
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := env.server.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
