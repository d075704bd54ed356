package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ExecutionNotifier pushes execution completion notifications to the MCP
// session that started the run. Best-effort: a disconnected client is not
// an error.
type ExecutionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewExecutionNotifier creates a notifier over the server's sessions.
func NewExecutionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *ExecutionNotifier {
	return &ExecutionNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification for the execution and forgets the mapping.
func (n *ExecutionNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	defer n.sessions.Forget(executionID)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.RemoveSession(sessionID)
		return nil
	}
	return err
}
