// Package server exposes the HTTP API: newsletter CRUD, credit-gated
// analysis, clusters, similarity search, credit status, the SSE event
// stream, and the Mailgun inbound webhook.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paul-nallet/newsletter-mining/pkg/config"
	"github.com/paul-nallet/newsletter-mining/pkg/credits"
	"github.com/paul-nallet/newsletter-mining/pkg/events"
	"github.com/paul-nallet/newsletter-mining/pkg/ingest"
	"github.com/paul-nallet/newsletter-mining/pkg/logger"
	"github.com/paul-nallet/newsletter-mining/pkg/pipeline"
	"github.com/paul-nallet/newsletter-mining/pkg/search"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

const defaultSubject = "default"

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerConfig
	store    *store.Store
	credits  *credits.Service
	pipeline *pipeline.Pipeline
	index    *search.Index
	bus      *events.Bus
	verifier *ingest.Verifier
	inbound  string

	httpServer *http.Server
	logger     *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithVerifier enables the Mailgun webhook endpoint.
func WithVerifier(v *ingest.Verifier, inboundSubject string) Option {
	return func(s *Server) {
		s.verifier = v
		if inboundSubject != "" {
			s.inbound = inboundSubject
		}
	}
}

// WithIndex enables similarity search.
func WithIndex(idx *search.Index) Option {
	return func(s *Server) { s.index = idx }
}

// New creates the server.
func New(
	cfg config.ServerConfig,
	st *store.Store,
	creditSvc *credits.Service,
	pl *pipeline.Pipeline,
	bus *events.Bus,
	opts ...Option,
) (*Server, error) {
	if st == nil || creditSvc == nil || pl == nil {
		return nil, fmt.Errorf("store, credit service, and pipeline are required")
	}

	s := &Server{
		cfg:      cfg,
		store:    st,
		credits:  creditSvc,
		pipeline: pl,
		bus:      bus,
		inbound:  defaultSubject,
		logger:   logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE connections stay open.
	}
	return s, nil
}

// Routes builds the router. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/credits/status", s.handleCreditStatus)

		r.Get("/newsletters", s.handleListNewsletters)
		r.Post("/newsletters", s.handleUploadNewsletter)
		r.Get("/newsletters/{id}", s.handleGetNewsletter)
		r.Delete("/newsletters/{id}", s.handleDeleteNewsletter)
		r.Post("/newsletters/{id}/analyze", s.handleAnalyze)
		r.Post("/newsletters/analyze-all", s.handleAnalyzeAll)

		r.Get("/problems", s.handleListProblems)
		r.Get("/problems/{id}/similar", s.handleSimilarProblems)

		r.Get("/clusters", s.handleListClusters)
		r.Post("/clusters/generate", s.handleGenerateClusters)

		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})

	if s.verifier != nil {
		r.Post("/webhooks/mailgun", s.handleMailgunWebhook)
	}

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains connections within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Credits-Subject")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// subjectFrom resolves the billing subject for a request.
func subjectFrom(r *http.Request) string {
	if subject := r.URL.Query().Get("subject"); subject != "" {
		return subject
	}
	if subject := r.Header.Get("X-Credits-Subject"); subject != "" {
		return subject
	}
	return defaultSubject
}

func (s *Server) handleCreditStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.credits.Status(r.Context(), subjectFrom(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListNewsletters(w http.ResponseWriter, r *http.Request) {
	pendingOnly := r.URL.Query().Get("pending") == "true"
	newsletters, err := s.store.ListNewsletters(r.Context(), pendingOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if newsletters == nil {
		newsletters = []*store.Newsletter{}
	}
	writeJSON(w, http.StatusOK, newsletters)
}

type uploadRequest struct {
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	Subject    string `json:"subject"`
	HTMLBody   string `json:"html_body"`
	TextBody   string `json:"text_body"`
	ReceivedAt string `json:"received_at"`
}

func (s *Server) handleUploadNewsletter(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	text := req.TextBody
	if text == "" && req.HTMLBody != "" {
		text = ingest.ExtractText(req.HTMLBody)
	}

	n := &store.Newsletter{
		FromEmail:  req.FromEmail,
		FromName:   req.FromName,
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		TextBody:   text,
		SourceType: store.SourceTypeFile,
	}
	if req.ReceivedAt != "" {
		at, err := time.Parse(time.RFC3339, req.ReceivedAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid received_at: %w", err))
			return
		}
		n.ReceivedAt = at.UTC()
	}

	if err := s.store.InsertNewsletter(r.Context(), n); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.publish(events.TypeNewsletterUploaded, n)
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetNewsletter(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.GetNewsletter(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNewsletter(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteNewsletter(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.pipeline.Analyze(r.Context(), chi.URLParam(r, "id"), subjectFrom(r), credits.SourceManual)
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleAnalyzeAll(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.pipeline.AnalyzeAll(r.Context(), subjectFrom(r), credits.SourceBatch)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) writeAnalyzeError(w http.ResponseWriter, err error) {
	switch {
	case credits.IsQuotaExhausted(err):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   err.Error(),
			"credits": credits.GetQuotaStatus(err),
		})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrAlreadyAnalyzed):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleListProblems(w http.ResponseWriter, r *http.Request) {
	problems, err := s.store.ListProblems(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if problems == nil {
		problems = []*store.Problem{}
	}
	writeJSON(w, http.StatusOK, problems)
}

func (s *Server) handleSimilarProblems(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.writeError(w, http.StatusNotImplemented, fmt.Errorf("similarity search is not configured"))
		return
	}

	p, err := s.store.GetProblem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit"))
			return
		}
		limit = parsed
	}

	// Ask for one extra so the problem can be dropped from its own results.
	matches, err := s.index.Search(r.Context(), p.Summary+"\n"+p.Detail, limit+1)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	filtered := make([]search.Match, 0, len(matches))
	for _, m := range matches {
		if m.ProblemID == p.ID {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.store.ListClusters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if clusters == nil {
		clusters = []*store.Cluster{}
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleGenerateClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.pipeline.RegenerateClusters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if clusters == nil {
		clusters = []*store.Cluster{}
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEvents streams the event bus as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusNotImplemented, fmt.Errorf("event stream is not configured"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	// Subscribe before the headers go out, so clients that have seen the
	// response cannot miss events published right after connecting.
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

// handleMailgunWebhook accepts an inbound email, verifies its signature, and
// queues an analysis under the inbound subject.
func (s *Server) handleMailgunWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid form payload: %w", err))
		return
	}

	err := s.verifier.Verify(ingest.Signature{
		Timestamp: r.PostFormValue("timestamp"),
		Token:     r.PostFormValue("token"),
		Signature: r.PostFormValue("signature"),
	})
	switch {
	case errors.Is(err, ingest.ErrReplayedToken):
		// Mailgun retries deliveries; acknowledge duplicates quietly.
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case err != nil:
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}

	n, err := ingest.ToNewsletter(ingest.InboundMessage{
		From:      r.PostFormValue("from"),
		Subject:   r.PostFormValue("subject"),
		BodyPlain: r.PostFormValue("body-plain"),
		BodyHTML:  r.PostFormValue("body-html"),
		Timestamp: r.PostFormValue("timestamp"),
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.InsertNewsletter(r.Context(), n); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.publish(events.TypeNewsletterUploaded, n)

	// Analysis runs off the request; webhook latency stays low and a full
	// quota only skips the analysis, never the ingestion.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.pipeline.Analyze(ctx, n.ID, s.inbound, credits.SourceInbound); err != nil {
			s.logger.Warn("inbound analysis failed", "newsletter_id", n.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "id": n.ID})
}

func (s *Server) publish(eventType events.Type, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: eventType, Payload: payload})
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
