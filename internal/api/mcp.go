package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/firmscrape/internal/pipeline"
	"github.com/kalambet/firmscrape/internal/storage"
)

// RecordReader looks up stored records.
type RecordReader interface {
	GetRecord(ctx context.Context, name string) (storage.SourceRecord, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runner       Runner
	Store        RecordReader
	DefaultModel string
}

// NewMCPServer creates an MCP server exposing batch runs and record lookup.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"firmscrape",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("firmscrape scrapes venture capital firm pages and extracts structured records (team, strategy, portfolio)."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("scrape_urls",
			mcp.WithDescription("Scrape the given URLs and extract the requested fields. Cached pages are not fetched again."),
			mcp.WithArray("urls", mcp.Description("Page URLs to process"), mcp.Required(), mcp.WithStringItems()),
			mcp.WithArray("fields", mcp.Description("Field names to extract; defaults to the standard VC fields"), mcp.WithStringItems()),
			mcp.WithString("model", mcp.Description("Model identifier")),
			mcp.WithBoolean("refresh", mcp.Description("Re-run extraction even when a structured record is cached")),
		),
		mcpScrapeURLs(deps),
	)

	s.AddTool(
		mcp.NewTool("scrape_rows",
			mcp.WithDescription("Process a contiguous range of imported subpage rows (1-based, inclusive)."),
			mcp.WithNumber("start", mcp.Description("First row"), mcp.Required()),
			mcp.WithNumber("end", mcp.Description("Last row"), mcp.Required()),
			mcp.WithArray("fields", mcp.Description("Field names to extract"), mcp.WithStringItems()),
			mcp.WithString("model", mcp.Description("Model identifier")),
			mcp.WithBoolean("refresh", mcp.Description("Re-run extraction even when a structured record is cached")),
		),
		mcpScrapeRows(deps),
	)

	s.AddTool(
		mcp.NewTool("get_record",
			mcp.WithDescription("Return the stored structured record for a URL or unique name."),
			mcp.WithString("name", mcp.Description("Unique name or source URL"), mcp.Required()),
			mcp.WithBoolean("raw", mcp.Description("Include the stored markdown content")),
		),
		mcpGetRecord(deps),
	)

	return s
}

// batchSummary is the tool-facing rendering of a BatchResult.
type batchSummary struct {
	RunID   string           `json:"run_id"`
	Results []pipeline.Entry `json:"results"`
	Totals  pipeline.Totals  `json:"totals"`
}

func summarize(res pipeline.BatchResult) (string, error) {
	b, err := json.MarshalIndent(batchSummary{RunID: res.RunID, Results: res.Ordered(), Totals: res.Totals}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toolOptions(deps MCPDeps, req mcp.CallToolRequest) ([]string, string, pipeline.RunOptions) {
	fields := req.GetStringSlice("fields", nil)
	if len(fields) == 0 {
		fields = pipeline.DefaultFields
	}
	model := req.GetString("model", deps.DefaultModel)
	return fields, model, pipeline.RunOptions{Force: req.GetBool("refresh", false)}
}

func mcpScrapeURLs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls := req.GetStringSlice("urls", nil)
		if len(urls) == 0 {
			return mcpError("urls is required"), nil
		}
		fields, model, opts := toolOptions(deps, req)

		res, err := deps.Runner.Run(ctx, urls, fields, model, opts)
		if err != nil && res.RunID == "" {
			return mcpError(fmt.Sprintf("batch failed: %v", err)), nil
		}
		text, merr := summarize(res)
		if merr != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", merr)), nil
		}
		return mcpText(text), nil
	}
}

func mcpScrapeRows(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := req.GetInt("start", 0)
		end := req.GetInt("end", 0)
		fields, model, opts := toolOptions(deps, req)

		res, err := deps.Runner.RunRange(ctx, start, end, fields, model, opts)
		if errors.Is(err, pipeline.ErrInvalidRange) {
			return mcpError(err.Error()), nil
		}
		if err != nil && res.RunID == "" {
			return mcpError(fmt.Sprintf("batch failed: %v", err)), nil
		}
		text, merr := summarize(res)
		if merr != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", merr)), nil
		}
		return mcpText(text), nil
	}
}

func mcpGetRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		param, err := req.RequireString("name")
		if err != nil || param == "" {
			return mcpError("name is required"), nil
		}
		name := resolveName(param)

		rec, err := deps.Store.GetRecord(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no record for %s", param)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading record: %v", err)), nil
		}

		b, err := json.MarshalIndent(viewOf(rec, req.GetBool("raw", false)), "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
