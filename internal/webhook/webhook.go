// Package webhook runs the HTTP side of the daemon: GitHub push hooks that
// trigger a sync, plus whatever read-only routes the caller mounts.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/composesyncd/internal/activation"
	"github.com/schaermu/composesyncd/internal/config"
)

// DefaultDebounce is how long the server waits for further pushes before
// syncing
const DefaultDebounce = 2 * time.Second

// SyncFunc runs one reconciliation cycle
type SyncFunc func(ctx context.Context) error

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server implements the webhook HTTP server
type Server struct {
	cfg      *config.ServeConfig
	sync     SyncFunc
	logger   *slog.Logger
	secret   []byte
	mux      *http.ServeMux
	debounce *debouncer

	baseMu  sync.Mutex
	baseCtx context.Context

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.ServeConfig, syncFn SyncFunc, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		sync:     syncFn,
		logger:   logger,
		secret:   []byte(strings.TrimSpace(string(secret))),
		mux:      http.NewServeMux(),
		debounce: &debouncer{delay: DefaultDebounce},
		baseCtx:  context.Background(),
	}
	s.mux.HandleFunc("/", s.handleWebhook)
	return s, nil
}

// Handle mounts an additional route, e.g. /metrics
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on ln, or on a socket-activated or freshly bound listener
// when ln is nil, until ctx is cancelled
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		if ln, err = activation.Listener(s.cfg.ListenAddr); err != nil {
			return err
		}
	}

	s.baseMu.Lock()
	s.baseCtx = ctx
	s.baseMu.Unlock()

	server := &http.Server{
		Handler:           s.mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.baseMu.Lock()
		ctx := s.baseCtx
		s.baseMu.Unlock()
		s.performSync(ctx)
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks the event type against the allow list; an
// empty list allows everything
func (s *Server) isEventTypeAllowed(eventType string) bool {
	return len(s.cfg.AllowedEventTypes) == 0 || slices.Contains(s.cfg.AllowedEventTypes, eventType)
}

// isRefAllowed checks the ref against the allow list; an empty list
// allows everything
func (s *Server) isRefAllowed(ref string) bool {
	return len(s.cfg.AllowedRefs) == 0 || slices.Contains(s.cfg.AllowedRefs, ref)
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		if err := s.sync(ctx); err != nil {
			s.logger.Error("webhook sync failed", "error", err)
		}

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// StatusHandler serves status() as JSON; a nil status yields 503
func StatusHandler(status func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		st := status()
		w.Header().Set("Content-Type", "application/json")
		if st == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintln(w, `{"result":"pending"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}
