// Package mcpserver exposes the analysis session controls as MCP tools.
// Every tool call runs with the mcp lineage and drives the same service
// the HTTP API uses, so both paths produce identical records.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
)

// Analyzer is the subset of the analysis service the tools drive. All
// calls are synchronous.
type Analyzer interface {
	Start(ctx context.Context, alertID string) (*analysis.Record, error)
	Result(ctx context.Context, alertID string) (*analysis.Record, bool, error)
	RetryStep(ctx context.Context, alertID, key string) (*analysis.Record, error)
	ContinueFrom(ctx context.Context, alertID, key string) (*analysis.Record, error)
	Reset(ctx context.Context, alertID string) error
}

// AlertInput names an alert.
type AlertInput struct {
	AlertID string `json:"alert_id" jsonschema:"identifier of the SOC alert"`
}

// StepInput names a step of an alert's analysis.
type StepInput struct {
	AlertID string `json:"alert_id" jsonschema:"identifier of the SOC alert"`
	Step    string `json:"step" jsonschema:"step key, e.g. classification, analysis, mitre, iocs, intel, scripts"`
}

// Server wraps the MCP SDK server.
type Server struct {
	mcp    *mcpsdk.Server
	svc    Analyzer
	logger log.Logger
}

// New creates the MCP server and registers the analysis tools.
func New(svc Analyzer, version string, logger log.Logger) *Server {
	if svc == nil {
		panic(xerrors.New("analysis service is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		svc:    svc,
		logger: logger,
		mcp: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "argus",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Handler serves the streamable HTTP transport. Mount it at /mcp.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.mcp }, nil)
}

// SDK returns the underlying server, for alternative transports.
func (s *Server) SDK() *mcpsdk.Server { return s.mcp }

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "analyze_alert",
		Description: "Run the full analysis pipeline for an alert and return the analysis record. A completed record is returned as is.",
	}, s.handleAnalyze)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_analysis",
		Description: "Return the stored analysis record for an alert.",
	}, s.handleGet)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "retry_step",
		Description: "Re-execute one failed step in isolation. Later steps are not run.",
	}, s.handleRetry)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "continue_analysis",
		Description: "Run the given step and every later step in order. All earlier steps must be completed.",
	}, s.handleContinue)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "reset_analysis",
		Description: "Delete the analysis record so the alert can be analysed from scratch.",
	}, s.handleReset)
}

func mcpContext(ctx context.Context) context.Context {
	return analysis.WithLineage(ctx, analysis.LineageMCP)
}

func (s *Server) handleAnalyze(ctx context.Context, _ *mcpsdk.CallToolRequest, in AlertInput) (*mcpsdk.CallToolResult, any, error) {
	if in.AlertID == "" {
		return toolError(fault.New(fault.KindInvalidState, "mcp.analyze_alert", "alert_id is required")), nil, nil
	}
	ctx = mcpContext(ctx)
	rec, err := s.svc.Start(ctx, in.AlertID)
	if err != nil {
		return s.fail(ctx, "analyze_alert", in.AlertID, err), nil, nil
	}
	return recordResult(rec), nil, nil
}

func (s *Server) handleGet(ctx context.Context, _ *mcpsdk.CallToolRequest, in AlertInput) (*mcpsdk.CallToolResult, any, error) {
	ctx = mcpContext(ctx)
	rec, ok, err := s.svc.Result(ctx, in.AlertID)
	if err != nil {
		return s.fail(ctx, "get_analysis", in.AlertID, err), nil, nil
	}
	if !ok {
		return toolError(fault.Newf(fault.KindNotFound, "mcp.get_analysis", "no analysis for alert %s", in.AlertID)), nil, nil
	}
	return recordResult(rec), nil, nil
}

func (s *Server) handleRetry(ctx context.Context, _ *mcpsdk.CallToolRequest, in StepInput) (*mcpsdk.CallToolResult, any, error) {
	ctx = mcpContext(ctx)
	rec, err := s.svc.RetryStep(ctx, in.AlertID, in.Step)
	if err != nil {
		return s.fail(ctx, "retry_step", in.AlertID, err), nil, nil
	}
	return recordResult(rec), nil, nil
}

func (s *Server) handleContinue(ctx context.Context, _ *mcpsdk.CallToolRequest, in StepInput) (*mcpsdk.CallToolResult, any, error) {
	ctx = mcpContext(ctx)
	rec, err := s.svc.ContinueFrom(ctx, in.AlertID, in.Step)
	if err != nil {
		return s.fail(ctx, "continue_analysis", in.AlertID, err), nil, nil
	}
	return recordResult(rec), nil, nil
}

func (s *Server) handleReset(ctx context.Context, _ *mcpsdk.CallToolRequest, in AlertInput) (*mcpsdk.CallToolResult, any, error) {
	ctx = mcpContext(ctx)
	if err := s.svc.Reset(ctx, in.AlertID); err != nil {
		return s.fail(ctx, "reset_analysis", in.AlertID, err), nil, nil
	}
	return textResult(fmt.Sprintf(`{"alertId":%q,"reset":true}`, in.AlertID)), nil, nil
}

// fail logs unexpected errors and turns err into a tool error result.
// Classified errors are expected outcomes and are not logged.
func (s *Server) fail(ctx context.Context, tool, alertID string, err error) *mcpsdk.CallToolResult {
	if fault.KindOf(err) == fault.KindInternal {
		s.logger.Error(ctx, err, "mcp tool failed", "tool", tool, "alert_id", alertID, "lineage", string(analysis.LineageMCP))
	}
	return toolError(err)
}

func toolError(err error) *mcpsdk.CallToolResult {
	res := textResult(fmt.Sprintf("%s: %v", fault.KindOf(err), err))
	res.IsError = true
	return res
}

func recordResult(rec *analysis.Record) *mcpsdk.CallToolResult {
	b, err := json.Marshal(rec)
	if err != nil {
		return toolError(fmt.Errorf("marshal record: %w", err))
	}
	return textResult(string(b))
}

func textResult(s string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: s}}}
}
