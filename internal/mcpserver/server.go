// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Dossier tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/dossier/internal/annotate"
)

const markerFormatURI = "dossier://marker-format"

// Server wraps the MCP server with Dossier tools.
type Server struct {
	mcp *server.MCPServer
	svc *annotate.Service
}

// New creates a new MCP server with all Dossier tools registered.
func New(svc *annotate.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Dossier",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_tags",
		mcp.WithDescription("List tags, optionally filtered by type."),
		mcp.WithString("type", mcp.Description("Tag type: entity, relationship, attribute, comment, kv_pair, label or data")),
	), s.listTags)

	s.mcp.AddTool(mcp.NewTool("get_tag",
		mcp.WithDescription("Read one tag with its aliases and referenced cards."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Tag id")),
	), s.getTag)

	s.mcp.AddTool(mcp.NewTool("read_card",
		mcp.WithDescription("Read a card: header fields, original content with markers, and analyst text."),
		mcp.WithString("card", mcp.Required(), mcp.Description("Card filename (e.g. brief_card.txt)")),
	), s.readCard)

	s.mcp.AddTool(mcp.NewTool("analyze_tag",
		mcp.WithDescription("Find places where a tag is marked and where its name or aliases "+
			"appear without a marker."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Tag id")),
		mcp.WithString("scope", mcp.Description("similarity, document or repository (default)")),
		mcp.WithString("card", mcp.Description("Card filename, required for document scope")),
	), s.analyzeTag)

	s.mcp.AddTool(mcp.NewTool("get_index",
		mcp.WithDescription("Return the derived index: files, tags, connections, broken connections, "+
			"inconsistencies and stats."),
	), s.getIndex)

	s.mcp.AddTool(mcp.NewTool("verify_card",
		mcp.WithDescription("Check that a card's content still matches its source document once markers are removed."),
		mcp.WithString("card", mcp.Required(), mcp.Description("Card filename")),
	), s.verifyCard)

	s.mcp.AddTool(mcp.NewTool("get_marker_format",
		mcp.WithDescription("Returns the marker format contract. "+
			"Call this before proposing annotations so markers are read correctly."),
	), s.getMarkerFormat)

	s.mcp.AddTool(mcp.NewTool("upload_document",
		mcp.WithDescription("Fetch a text document from an http(s) URL or a base64 data URI, "+
			"store it as an upload and create its card."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:text/plain;base64,... URI")),
		mcp.WithString("filename", mcp.Description("Optional filename; derived from the URL when empty")),
	), s.uploadDocument)

	s.mcp.AddResource(
		mcp.NewResource(markerFormatURI, "Marker Format Contract",
			mcp.WithResourceDescription("How tags are embedded into card text."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readMarkerFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listTags(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tags, err := s.svc.ListTags(ctx, req.GetString("type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(tags)
}

func (s *Server) getTag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.svc.GetTag(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(t)
}

func (s *Server) readCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("card")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.svc.GetCard(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(c)
}

func (s *Server) analyzeTag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.AnalyzeTag(ctx, id, req.GetString("scope", ""), req.GetString("card", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) getIndex(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.svc.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

func (s *Server) verifyCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("card")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := s.svc.VerifyCard(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(report)
}

func (s *Server) getMarkerFormat(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(MarkerFormatContract), nil
}

func (s *Server) readMarkerFormatResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      markerFormatURI,
			MIMEType: "text/markdown",
			Text:     MarkerFormatContract,
		},
	}, nil
}
