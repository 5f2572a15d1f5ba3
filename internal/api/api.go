package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/metrics"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/sessions"
	"github.com/joescharf/docreview/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store    store.Store
	sessions *sessions.Manager
	loader   *docs.Loader
	logger   *slog.Logger
}

// NewServer creates a new API server. A nil logger discards log output.
func NewServer(s store.Store, mgr *sessions.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		store:    s,
		sessions: mgr,
		loader:   docs.NewLoader(),
		logger:   logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.deleteSession)

	mux.HandleFunc("GET /api/v1/sessions/{id}/checklist", s.listChecklist)
	mux.HandleFunc("POST /api/v1/sessions/{id}/checklist", s.addChecklistItem)
	mux.HandleFunc("DELETE /api/v1/checklist/{id}", s.deleteChecklistItem)

	mux.HandleFunc("GET /api/v1/sessions/{id}/results", s.listResults)

	mux.HandleFunc("POST /api/v1/extract", s.startExtraction)
	mux.HandleFunc("POST /api/v1/sessions/{id}/extract", s.startExtraction)
	mux.HandleFunc("POST /api/v1/sessions/{id}/evaluate", s.startEvaluation)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.cancelRun)
	mux.HandleFunc("GET /api/v1/runs", s.listRuns)

	mux.Handle("GET /metrics", metrics.Handler())

	return s.logRequests(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps not-found errors to 404 and everything else to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Sessions ---

type sessionDetail struct {
	*models.ReviewSession
	Running   bool                    `json:"running"`
	Checklist []*models.ChecklistItem `json:"checklist"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items, err := s.store.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	running := false
	for _, active := range s.sessions.Active() {
		if active == id {
			running = true
			break
		}
	}

	writeJSON(w, http.StatusOK, sessionDetail{
		ReviewSession: session,
		Running:       running,
		Checklist:     items,
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Checklist ---

func (s *Server) listChecklist(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListItems(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) addChecklistItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	session, _, err := s.store.EnsureSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	item, err := s.store.CreateItem(r.Context(), session.ID, body.Content, models.ProvenanceUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) deleteChecklistItem(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteItem(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Results ---

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --- Runs ---

// fileInput is a document supplied inline or by a path readable by the server.
type fileInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
	Path string `json:"path"`
}

func (s *Server) loadFiles(inputs []fileInput) ([]docs.Document, error) {
	files := make([]docs.Document, 0, len(inputs))
	for _, in := range inputs {
		if in.Path != "" {
			doc, err := s.loader.Load(in.Path)
			if err != nil {
				return nil, err
			}
			files = append(files, doc)
			continue
		}
		if in.Name == "" {
			return nil, errors.New("each file needs a name or a path")
		}
		files = append(files, docs.FromText(in.ID, in.Name, in.Text))
	}
	return files, nil
}

// startExtraction runs extraction to completion. The business outcome is in
// the body; the HTTP status only reflects whether the request was valid.
func (s *Server) startExtraction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID    string      `json:"session_id"`
		DocumentType string      `json:"document_type"`
		Files        []fileInput `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if id := r.PathValue("id"); id != "" {
		body.SessionID = id
	}

	docType := models.DocumentTypeGeneral
	if body.DocumentType != "" {
		dt, ok := models.ParseDocumentType(body.DocumentType)
		if !ok {
			writeError(w, http.StatusBadRequest, "document_type must be checklist or general")
			return
		}
		docType = dt
	}

	files, err := s.loadFiles(body.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.sessions.StartExtraction(r.Context(), body.SessionID, files, docType))
}

func (s *Server) startEvaluation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Files         []fileInput `json:"files"`
		Instructions  *string     `json:"instructions"`
		CommentFormat *string     `json:"comment_format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	files, err := s.loadFiles(body.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var instr *sessions.Instructions
	if body.Instructions != nil || body.CommentFormat != nil {
		instr = &sessions.Instructions{}
		// A field left out of the request keeps its stored value.
		if existing, err := s.store.GetSession(r.Context(), r.PathValue("id")); err == nil {
			instr.Text = existing.Instructions
			instr.CommentFormat = existing.CommentFormat
		}
		if body.Instructions != nil {
			instr.Text = *body.Instructions
		}
		if body.CommentFormat != nil {
			instr.CommentFormat = *body.CommentFormat
		}
	}

	writeJSON(w, http.StatusOK, s.sessions.StartEvaluation(r.Context(), r.PathValue("id"), files, instr))
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	res := s.sessions.Cancel(r.PathValue("id"))
	if !res.OK {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"active": s.sessions.Active()})
}
