// Package relay runs the GitOps webhook relay: forge push webhooks come in,
// Komodo resource syncs go out. It also polls stacks that opt into
// timer-driven syncs and journals every trigger.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/shell/komodo"
	"github.com/fleetlab/komodoctl/internal/shell/store"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// SyncTrigger queues a resource sync on Core. *komodo.Client satisfies it.
type SyncTrigger interface {
	RunSync(ctx context.Context, name string) (komodo.Update, error)
}

// InventorySource yields the current inventory snapshot.
type InventorySource interface {
	Fleet() *inventory.Fleet
}

// SecretFunc turns a configured webhook secret (a literal or an op:// ref)
// into its value.
type SecretFunc func(ctx context.Context, raw string) (string, error)

// =============================================================================
// Server
// =============================================================================

// Config holds relay server settings.
type Config struct {
	Addr string

	// DefaultWebhookSecret is used for stacks without their own secret.
	DefaultWebhookSecret string

	// PollInterval drives timer syncs for stacks with poll enabled.
	// Zero disables polling.
	PollInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration

	Version string
}

// Server is the webhook relay.
type Server struct {
	config    Config
	inventory InventorySource
	trigger   SyncTrigger
	journal   store.Store // nil disables journaling
	secretOf  SecretFunc  // nil means secrets are used verbatim
	metrics   *Metrics
	logger    *slog.Logger
}

// NewServer creates a relay server.
func NewServer(cfg Config, inv InventorySource, trigger SyncTrigger, journal store.Store, secretOf SecretFunc, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:    cfg,
		inventory: inv,
		trigger:   trigger,
		journal:   journal,
		secretOf:  secretOf,
		metrics:   NewMetrics(cfg.Version),
		logger:    logger.With("component", "relay"),
	}
}

// RecordInventoryReload counts an inventory hot-reload outcome. Wire it as
// the inventory watcher's reload callback.
func (s *Server) RecordInventoryReload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	s.metrics.reload(result)
}

// Routes returns the router with all routes configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/{stack}", s.handleWebhook)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.config.PollInterval > 0 {
		go s.pollLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("relay shutting down")
	return srv.Shutdown(shutdownCtx)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	stackName := chi.URLParam(r, "stack")
	logger := s.logger.With("stack", stackName)

	stack, ok := s.inventory.Fleet().Stacks[stackName]
	if !ok {
		s.metrics.webhook(stackName, "unknown_stack")
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stack"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.metrics.webhook(stackName, "bad_request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	secret, err := s.webhookSecret(r.Context(), stack)
	if err != nil {
		logger.Error("webhook secret unavailable", "error", err)
		s.metrics.webhook(stackName, "secret_error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "secret unavailable"})
		return
	}

	if !verifySignature(secret, body, r.Header.Get("X-Hub-Signature-256")) {
		logger.Warn("webhook signature rejected")
		s.metrics.webhook(stackName, "bad_signature")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	s.metrics.webhook(stackName, "accepted")

	commit := pushCommit(body)
	update, err := s.triggerSync(r.Context(), stackName, commit, store.SourceWebhook)
	if err != nil {
		logger.Error("sync trigger failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "sync trigger failed"})
		return
	}

	logger.Info("sync queued", "commit", commit, "update_id", update.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"stack":  stackName,
		"update": update.ID,
	})
}

// webhookSecret picks the stack's own secret over the shared default.
func (s *Server) webhookSecret(ctx context.Context, stack inventory.Stack) (string, error) {
	raw := stack.WebhookSecret
	if raw == "" {
		raw = s.config.DefaultWebhookSecret
	}
	if raw == "" {
		return "", errors.New("no webhook secret configured")
	}
	if s.secretOf == nil {
		return raw, nil
	}
	return s.secretOf(ctx, raw)
}

// =============================================================================
// Sync Triggering
// =============================================================================

// triggerSync queues the sync on Core and journals the event. The sync name
// is the stack name.
func (s *Server) triggerSync(ctx context.Context, stackName, commit string, source store.SyncSource) (komodo.Update, error) {
	update, err := s.trigger.RunSync(ctx, stackName)

	result := "ok"
	status := "queued"
	errMsg := ""
	if err != nil {
		result = "error"
		status = "failed"
		errMsg = err.Error()
	}
	s.metrics.sync(stackName, string(source), result)

	if s.journal != nil {
		jErr := s.journal.CreateSyncEvent(ctx, &store.SyncEvent{
			ID:     uuid.NewString(),
			Stack:  stackName,
			Commit: commit,
			Source: source,
			Status: status,
			Error:  errMsg,
		})
		if jErr != nil {
			s.logger.Warn("journal write failed", "stack", stackName, "error", jErr)
		}
	}

	return update, err
}

// pollLoop periodically syncs every stack with poll enabled.
func (s *Server) pollLoop(ctx context.Context) {
	s.logger.Info("poll loop started", "interval", s.config.PollInterval)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollCycle(ctx)
		}
	}
}

func (s *Server) pollCycle(ctx context.Context) {
	fleet := s.inventory.Fleet()

	names := make([]string, 0, len(fleet.Stacks))
	for name, stack := range fleet.Stacks {
		if stack.Poll {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := s.triggerSync(ctx, name, "", store.SourceTimer); err != nil {
			s.logger.Error("timer sync failed", "stack", name, "error", err)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// verifySignature checks a GitHub-style X-Hub-Signature-256 header against
// the body in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}

// pushCommit extracts the head commit from a forge push payload ("" when
// the payload has none).
func pushCommit(body []byte) string {
	var payload struct {
		After string `json:"after"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.After
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
