package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// runEndMethod is the notification method used for async run completion.
const runEndMethod = "notifications/flowcanvas/run_end"

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier over the agent's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the agent's session. Agents without a session are
// skipped silently.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, runEndMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
