package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/sessions"
	"github.com/joescharf/docreview/internal/store"
)

// Server exposes review sessions and the pipelines as MCP tools.
type Server struct {
	store    store.Store
	sessions *sessions.Manager
	loader   *docs.Loader
	version  string
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, mgr *sessions.Manager, version string) *Server {
	return &Server{
		store:    s,
		sessions: mgr,
		loader:   docs.NewLoader(),
		version:  version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("docreview", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getChecklistTool())
	srv.AddTool(s.addChecklistItemTool())
	srv.AddTool(s.extractChecklistTool())
	srv.AddTool(s.evaluateTool())
	srv.AddTool(s.listResultsTool())
	srv.AddTool(s.cancelRunTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// docreview_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docreview_list_sessions",
		mcp.WithDescription("List review sessions, most recently updated first. Returns a JSON array with id, title and timestamps."),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.store.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Running   bool   `json:"running"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}

	active := make(map[string]bool)
	for _, id := range s.sessions.Active() {
		active[id] = true
	}

	out := make([]sessionOut, len(list))
	for i, rs := range list {
		out[i] = sessionOut{
			ID:        rs.ID,
			Title:     rs.Title,
			Running:   active[rs.ID],
			CreatedAt: rs.CreatedAt.Format(time.RFC3339),
			UpdatedAt: rs.UpdatedAt.Format(time.RFC3339),
		}
	}
	return jsonResult(out, "sessions")
}

// docreview_get_checklist
func (s *Server) getChecklistTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docreview_get_checklist",
		mcp.WithDescription("Get the checklist items of a review session, in creation order."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Review session ID")),
	)
	return tool, s.handleGetChecklist
}

func (s *Server) handleGetChecklist(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	items, err := s.store.ListItems(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list checklist: %v", err)), nil
	}
	return jsonResult(checklistOut(items), "checklist")
}

// docreview_add_checklist_item
func (s *Server) addChecklistItemTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docreview_add_checklist_item",
		mcp.WithDescription("Add a user-authored checklist item to a session. User items survive re-extraction. Creates the session if it does not exist."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Review session ID")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Checklist item text")),
	)
	return tool, s.handleAddChecklistItem
}

func (s *Server) handleAddChecklistItem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	content, err := request.RequireString("content")
	if err != nil || strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}

	if _, _, err := s.store.EnsureSession(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to ensure session: %v", err)), nil
	}
	item, err := s.store.CreateItem(ctx, sessionID, strings.TrimSpace(content), models.ProvenanceUser)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add checklist item: %v", err)), nil
	}
	return jsonResult(checklistOut([]*models.ChecklistItem{item})[0], "checklist item")
}

// docreview_extract_checklist
func (s *Server) extractChecklistTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docreview_extract_checklist",
		mcp.WithDescription("Extract a checklist from source documents into a session, replacing earlier extracted items. Blocks until the run finishes and returns its status (success, failed or suspended)."),
		mcp.WithString("paths", mcp.Required(), mcp.Description("Source file paths, separated by newlines or commas")),
		mcp.WithString("session_id", mcp.Description("Review session ID (omit to create a new session)")),
		mcp.WithString("document_type", mcp.Description("checklist or general (default: general)")),
	)
	return tool, s.handleExtractChecklist
}

func (s *Server) handleExtractChecklist(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := request.RequireString("paths")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: paths"), nil
	}

	docType, ok := models.ParseDocumentType(request.GetString("document_type", string(models.DocumentTypeGeneral)))
	if !ok {
		return mcp.NewToolResultError("document_type must be checklist or general"), nil
	}

	files, err := s.loader.LoadAll(splitPaths(paths))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load files: %v", err)), nil
	}

	res := s.sessions.StartExtraction(ctx, request.GetString("session_id", ""), files, docType)
	return jsonResult(res, "run result")
}

// docreview_evaluate
func (s *Server) evaluateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docreview_evaluate",
		mcp.WithDescription("Grade target documents against a session's checklist (A, B, C or - per item and file). Blocks until the run finishes and returns its status."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Review session ID")),
		mcp.WithString("paths", mcp.Required(), mcp.Description("Target file paths, separated by newlines or commas")),
		mcp.WithString("instructions", mcp.Description("Reviewer instructions to include in every prompt")),
		mcp.WithString("comment_format", mcp.Description("Required layout of each comment")),
	)
	return tool, s.handleEvaluate
}

func (s *Server) handleEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	paths, err := request.RequireString("paths")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: paths"), nil
	}

	files, err := s.loader.LoadAll(splitPaths(paths))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load files: %v", err)), nil
	}

	var instr *sessions.Instructions
	text := request.GetString("instructions", "")
	format := request.GetString("comment_format", "")
	if text != "" || format != "" {
		instr = &sessions.Instructions{Text: text, CommentFormat: format}
	}

	res := s.sessions.StartEvaluation(ctx, sessionID, files, instr)
	return jsonResult(res, "run result")
}

// docreview_list_results
func (s *Server) listResultsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docreview_list_results",
		mcp.WithDescription("List graded results of a session, ordered by file then checklist item."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Review session ID")),
		mcp.WithString("grade", mcp.Description("Only return results with this grade: A, B, C or -")),
	)
	return tool, s.handleListResults
}

func (s *Server) handleListResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	var filter models.Grade
	if g := request.GetString("grade", ""); g != "" {
		grade, ok := models.ParseGrade(g)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("invalid grade: %s", g)), nil
		}
		filter = grade
	}

	results, err := s.store.ListResults(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list results: %v", err)), nil
	}

	type resultOut struct {
		ChecklistID string `json:"checklist_id"`
		FileID      string `json:"file_id"`
		FileName    string `json:"file_name"`
		Evaluation  string `json:"evaluation"`
		Comment     string `json:"comment"`
	}

	out := []resultOut{}
	for _, r := range results {
		if filter != "" && r.Evaluation != filter {
			continue
		}
		out = append(out, resultOut{
			ChecklistID: r.ChecklistID,
			FileID:      r.FileID,
			FileName:    r.FileName,
			Evaluation:  string(r.Evaluation),
			Comment:     r.Comment,
		})
	}
	return jsonResult(out, "results")
}

// docreview_cancel_run
func (s *Server) cancelRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docreview_cancel_run",
		mcp.WithDescription("Cancel the extraction or evaluation currently running for a session. The run ends as suspended; results already saved are kept."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Review session ID")),
	)
	return tool, s.handleCancelRun
}

func (s *Server) handleCancelRun(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	res := s.sessions.Cancel(sessionID)
	if !res.OK {
		return mcp.NewToolResultError(res.Error), nil
	}
	return jsonResult(res, "cancel result")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type itemOut struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Provenance string `json:"provenance"`
}

func checklistOut(items []*models.ChecklistItem) []itemOut {
	out := make([]itemOut, len(items))
	for i, item := range items {
		out[i] = itemOut{ID: item.ID, Content: item.Content, Provenance: string(item.Provenance)}
	}
	return out
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// splitPaths splits a newline- or comma-separated list, dropping blanks.
func splitPaths(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ',' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
