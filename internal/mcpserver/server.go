package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all fieldguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fieldguard", "0.1.0")
	client := NewFieldguardClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetActorRisk, h.HandleGetActorRisk)
	s.AddTool(ToolListSignals, h.HandleListSignals)
	s.AddTool(ToolAuditRoute, h.HandleAuditRoute)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListActorPayments, h.HandleListActorPayments)

	return s
}
