// Package reviewapi exposes the HTTP review surface: listing and
// inspecting drafts, approving, rejecting, and editing them, plus the
// engine status and Prometheus metrics endpoints.
package reviewapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/db"
	"github.com/quillmail/quill/intake"
	"github.com/quillmail/quill/lifecycle"
	"github.com/quillmail/quill/logger"
)

// Lifecycle is the subset of the draft manager the API drives.
type Lifecycle interface {
	Approve(ctx context.Context, draftID string) (*lifecycle.Draft, error)
	Reject(ctx context.Context, draftID, reason string) (*lifecycle.Draft, error)
	Edit(ctx context.Context, draftID, text string, rescore bool) (*lifecycle.Draft, error)
}

// DraftStore reads drafts for the listing endpoints.
type DraftStore interface {
	GetDraft(ctx context.Context, id string) (*lifecycle.Draft, error)
	ListDraftsByStatus(ctx context.Context, status lifecycle.Status, limit int) ([]*lifecycle.Draft, error)
	DraftCounts(ctx context.Context) (map[lifecycle.Status]int, error)
}

// WatcherStatus reports the intake watcher's runtime state.
type WatcherStatus interface {
	Status() intake.Status
}

// Server is the review API HTTP server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	useTLS       bool
	tlsCertFile  string
	tlsKeyFile   string

	manager Lifecycle
	drafts  DraftStore
	watcher WatcherStatus

	server *http.Server
}

func New(cfg *config.APIConfig, manager Lifecycle, drafts DraftStore, watcher WatcherStatus) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the review API")
	}
	if cfg.TLS && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	return &Server{
		addr:         cfg.GetAddr(),
		apiKey:       cfg.APIKey,
		allowedHosts: cfg.AllowedHosts,
		useTLS:       cfg.TLS,
		tlsCertFile:  cfg.TLSCertFile,
		tlsKeyFile:   cfg.TLSKeyFile,
		manager:      manager,
		drafts:       drafts,
		watcher:      watcher,
	}, nil
}

// Start runs the server until the context is cancelled, reporting fatal
// errors on errChan.
func (s *Server) Start(ctx context.Context, errChan chan<- error) {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("review API shutdown error", "error", err)
		}
	}()

	protocol := "HTTP"
	if s.useTLS {
		protocol = "HTTPS"
	}
	logger.Info("starting review API", "protocol", protocol, "addr", s.addr)

	var err error
	if s.useTLS {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("review API server failed: %w", err)
	}
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/drafts", s.handleListDrafts).Methods("GET")
	v1.HandleFunc("/drafts/{id}", s.handleGetDraft).Methods("GET")
	v1.HandleFunc("/drafts/{id}", s.handleEditDraft).Methods("PUT")
	v1.HandleFunc("/drafts/{id}/approve", s.handleApproveDraft).Methods("POST")
	v1.HandleFunc("/drafts/{id}/reject", s.handleRejectDraft).Methods("POST")
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")

	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("review API request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := clientIP(r)
		for _, host := range s.allowedHosts {
			if host == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(host, "/") {
				if _, cidr, err := net.ParseCIDR(host); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.keyMatches(parts[1]) {
			s.writeError(w, http.StatusForbidden, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// keyMatches accepts either a plaintext key or a bcrypt hash in config.
func (s *Server) keyMatches(presented string) bool {
	if strings.HasPrefix(s.apiKey, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKey), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.apiKey)) == 1
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

// Handlers

type draftView struct {
	ID            string     `json:"id"`
	MessageID     string     `json:"message_id"`
	GeneratedText string     `json:"generated_text"`
	Tone          string     `json:"tone"`
	Confidence    float64    `json:"confidence"`
	Risk          string     `json:"risk"`
	Status        string     `json:"status"`
	AutoSend      bool       `json:"auto_send"`
	Reasoning     []string   `json:"reasoning"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

func toView(d *lifecycle.Draft) draftView {
	return draftView{
		ID:            d.ID,
		MessageID:     d.MessageID,
		GeneratedText: d.GeneratedText,
		Tone:          d.Tone,
		Confidence:    d.Confidence,
		Risk:          string(d.Risk),
		Status:        string(d.Status),
		AutoSend:      d.AutoSend,
		Reasoning:     d.Reasoning,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		SentAt:        d.SentAt,
	}
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	status := lifecycle.StatusReview
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = lifecycle.Status(raw)
		if !status.IsValid() {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	drafts, err := s.drafts.ListDraftsByStatus(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]draftView, 0, len(drafts))
	for _, d := range drafts {
		views = append(views, toView(d))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": string(status),
		"count":  len(views),
		"drafts": views,
	})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	draft, err := s.drafts.GetDraft(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toView(draft))
}

func (s *Server) handleApproveDraft(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	draft, err := s.manager.Approve(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toView(draft))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectDraft(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req rejectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	draft, err := s.manager.Reject(r.Context(), id, req.Reason)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toView(draft))
}

type editRequest struct {
	Text    string `json:"text"`
	Rescore bool   `json:"rescore"`
}

func (s *Server) handleEditDraft(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	draft, err := s.manager.Edit(r.Context(), id, req.Text, req.Rescore)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toView(draft))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.drafts.DraftCounts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	resp := map[string]any{"drafts": byStatus}
	if s.watcher != nil {
		resp["watcher"] = s.watcher.Status()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writeLifecycleError maps domain errors onto HTTP statuses.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "draft not found")
	case errors.Is(err, lifecycle.ErrNotReviewable):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrPolicyViolation):
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("review API response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
