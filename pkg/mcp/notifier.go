package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/cascadehq/cascade/pkg/schema"
)

// CompletionNotifier pushes execution completions to connected clients over
// MCP. Best-effort: an org without a live session is skipped silently.
type CompletionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewCompletionNotifier creates a notifier over the given server and sessions.
func NewCompletionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *CompletionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// OnCompletion satisfies the engine's completion callback. It must not
// block; the send is a single in-memory push.
func (n *CompletionNotifier) OnCompletion(_ context.Context, result *schema.CompletionResult) {
	sessionID, ok := n.sessions.SessionFor(result.OrgID)
	if !ok {
		return
	}

	payload := map[string]any{
		"execution_id": result.ExecutionID,
		"status":       string(result.Status),
	}
	if result.Error != nil {
		payload["error"] = result.Error
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("completion notification failed",
			slog.String("execution_id", result.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}
