// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the citation library to LLM clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/bibshelf/internal/library"
)

const keyFormatURI = "bibshelf://key-format"

// Server wraps the MCP server with library tools.
type Server struct {
	mcp *server.MCPServer
	lib *library.Library
}

// New creates a new MCP server with all tools registered.
func New(lib *library.Library, version string) *Server {
	s := &Server{lib: lib}

	s.mcp = server.NewMCPServer(
		"bibshelf",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_entries",
		mcp.WithDescription("Full-text search over authors, titles, journals and keywords of every open entry."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
	), s.searchEntries)

	s.mcp.AddTool(mcp.NewTool("get_entry",
		mcp.WithDescription("Return one entry, looked up by citation key or alias, with all of its fields."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Citation key or alias")),
		mcp.WithString("file", mcp.Description("Optional file to look in first")),
	), s.getEntry)

	s.mcp.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List the open citation files in load order with their role and entry count."),
	), s.listFiles)

	s.mcp.AddTool(mcp.NewTool("check_key",
		mcp.WithDescription("Check whether a citation key is well formed and whether an open file already uses it."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Candidate citation key")),
	), s.checkKey)

	s.mcp.AddTool(mcp.NewTool("generate_key",
		mcp.WithDescription("Propose a free citation key for an entry. "+
			"Read the key format first via the get_key_format tool or the "+keyFormatURI+" resource."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entry type, e.g. article or inproceedings")),
		mcp.WithString("author", mcp.Description("Authors joined by ' and '")),
		mcp.WithString("title", mcp.Description("Title")),
		mcp.WithString("year", mcp.Description("Publication year")),
	), s.generateKey)

	s.mcp.AddTool(mcp.NewTool("get_key_format",
		mcp.WithDescription("Returns the citation key format used by this library."),
	), s.getKeyFormat)

	s.mcp.AddResource(
		mcp.NewResource(keyFormatURI, "Citation Key Format",
			mcp.WithResourceDescription("How citation keys are generated and validated."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readKeyFormatResource,
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

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) searchEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.lib.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no entries found"), nil
	}
	return jsonResult(results), nil
}

func (s *Server) getEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.lib.Entry(ctx, key, req.GetString("file", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", key)), nil
	}
	return jsonResult(d), nil
}

func (s *Server) listFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	files, err := s.lib.Files(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%d", f.Path, f.Role, f.Entries))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) checkKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.lib.CheckKey(ctx, key)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st), nil
}

func (s *Server) generateKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields := map[string]string{}
	for _, name := range []string{"author", "title", "year"} {
		if v := req.GetString(name, ""); v != "" {
			fields[name] = v
		}
	}
	key, err := s.lib.GenerateKey(ctx, typ, fields)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(key), nil
}

func (s *Server) getKeyFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(KeyFormatContract), nil
}

func (s *Server) readKeyFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      keyFormatURI,
			MIMEType: "text/markdown",
			Text:     KeyFormatContract,
		},
	}, nil
}
