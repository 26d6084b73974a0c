// Package mcp exposes a finished batch as read-only Model Context Protocol
// tools: document states, per-document fact lines, gate reports, and the
// batch summary. Stdio transport only; nothing here mutates the batch.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/clinfact/internal/artifact"
	"github.com/hurttlocker/clinfact/internal/factline"
	"github.com/hurttlocker/clinfact/internal/ontology"
	"github.com/hurttlocker/clinfact/internal/runstate"
)

// ServerConfig holds the batch the server answers for.
type ServerConfig struct {
	Store   *artifact.Store
	Ledger  *runstate.Ledger
	Version string
}

// dbMu serializes tool calls that touch the ledger. mcp-go dispatches
// handlers concurrently and SQLite wants one reader ordering.
var dbMu sync.Mutex

// NewServer creates the MCP server with all batch query tools registered.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	s := server.NewMCPServer(
		"clinfact",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerDocumentsTool(s, cfg)
	registerFactsTool(s, cfg)
	registerReportTool(s, cfg)
	registerSummaryResource(s, cfg)
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func registerDocumentsTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("clinfact_documents",
		mcp.WithDescription("List processed documents with their pipeline state (pending, stage1_done, stage2_done, normalized, complete, failed)."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("state",
			mcp.Description("Filter by state (e.g. complete, failed). Empty = all."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		snap, err := cfg.Ledger.Snapshot(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reading ledger: %v", err)), nil
		}

		filter := ""
		if v, err := req.RequireString("state"); err == nil {
			filter = strings.TrimSpace(v)
		}

		type docEntry struct {
			DocID  string `json:"doc_id"`
			State  string `json:"state"`
			Reason string `json:"reason,omitempty"`
		}
		out := []docEntry{}
		for _, e := range snap {
			if filter != "" && string(e.State) != filter {
				continue
			}
			out = append(out, docEntry{DocID: e.DocID, State: string(e.State), Reason: e.Reason})
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerFactsTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("clinfact_facts",
		mcp.WithDescription("Return the normalized fact lines for one document, optionally filtered by cluster."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("doc_id",
			mcp.Required(),
			mcp.Description("Document identifier"),
		),
		mcp.WithString("cluster",
			mcp.Description("Restrict to one cluster (e.g. VITALS, LABS). Empty = all."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("doc_id")
		if err != nil {
			return mcp.NewToolResultError("doc_id is required"), nil
		}
		data, err := cfg.Store.Read(docID, artifact.Stage2Facts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no facts for %s: %v", docID, err)), nil
		}

		clusterFilter := ""
		if v, err := req.RequireString("cluster"); err == nil {
			clusterFilter = strings.TrimSpace(v)
		}
		if clusterFilter == "" {
			return mcp.NewToolResultText(string(data)), nil
		}
		c, ok := ontology.ParseCluster(clusterFilter)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown cluster %q", clusterFilter)), nil
		}
		var out []string
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			f, err := factline.ParseLine(line)
			if err != nil {
				continue
			}
			if f.Cluster == c {
				out = append(out, line)
			}
		}
		return mcp.NewToolResultText(strings.Join(out, "\n")), nil
	})
}

func registerReportTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("clinfact_report",
		mcp.WithDescription("Return the gate report (validity score, rejection counts, verdict) for one document."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("doc_id",
			mcp.Required(),
			mcp.Description("Document identifier"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("doc_id")
		if err != nil {
			return mcp.NewToolResultError("doc_id is required"), nil
		}
		data, err := cfg.Store.Read(docID, artifact.Stage2Report)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no report for %s: %v", docID, err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSummaryResource(s *server.MCPServer, cfg ServerConfig) {
	resource := mcp.NewResource(
		"clinfact://summary",
		"Batch summary",
		mcp.WithResourceDescription("Completion counts, mean validity, and failure causes for the batch."),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := cfg.Store.ReadSummary()
		if err != nil {
			return nil, fmt.Errorf("reading summary: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "clinfact://summary",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
