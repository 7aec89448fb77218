// Package mcp implements the Model Context Protocol server for sluice.
//
// The MCP surface mirrors the read-only planning half of the HTTP API:
// agents can preview routing decisions, estimate costs, and browse the
// model catalog without holding an API credential or submitting a job.
// Generation itself stays on the HTTP/SSE path. The server speaks stdio
// for local agent hosts and mounts under /mcp on the HTTP server for
// remote ones.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/provider"
)

// Server wraps the MCP protocol server with sluice's catalog and
// provider registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	catalog   *catalog.Catalog
	providers *provider.Registry
	logger    *slog.Logger
}

// New creates an MCP server exposing sluice's planning tools and
// catalog resources.
func New(cat *catalog.Catalog, providers *provider.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		catalog:   cat,
		providers: providers,
		logger:    logger.With("component", "mcp"),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sluice",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying protocol server, for mounting on an
// HTTP transport.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio runs the server over stdin/stdout until the client
// disconnects. It is the transport local agent hosts expect.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

// errorResult returns a tool result carrying a domain error. Protocol
// errors use a plain error return instead; this keeps "model not in
// catalog" and friends visible to the calling agent rather than its
// host.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
