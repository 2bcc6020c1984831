// Package transport exposes the onboarding lifecycle over HTTP. Handlers stay
// thin: CSRF enforcement and token plumbing happen here, at the boundary that
// receives client input; everything else is delegated to the services.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"onboard/internal/onboarding/csrf"
	"onboard/internal/onboarding/models"
	"onboard/internal/onboarding/schema"
	"onboard/internal/onboarding/service"
	dErrors "onboard/pkg/domain-errors"
	"onboard/pkg/platform/httputil"
	"onboard/pkg/requestcontext"
)

// SessionService is the session lifecycle surface the handler drives.
type SessionService interface {
	Create(ctx context.Context, origin models.Origin) (*models.CreateResult, error)
	Get(ctx context.Context, id, rawToken string) (*models.OnboardingSession, error)
	Update(ctx context.Context, id, rawToken string, params models.UpdateParams) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (*models.SessionStats, error)
}

// RecoveryService is the resume-after-interruption surface.
type RecoveryService interface {
	Recover(ctx context.Context, id, rawToken string) (*service.RecoveryResult, error)
	CanResumeFromStep(ctx context.Context, id, rawToken string, target int) (bool, error)
	ForceResumeFromStep(ctx context.Context, id, rawToken string, target int) (bool, error)
}

// JanitorService is the operational cleanup surface.
type JanitorService interface {
	RunCleanup(ctx context.Context, opts service.CleanupOptions) *service.CleanupReport
	EmergencyCleanup(ctx context.Context) *service.CleanupReport
	GetCleanupStats(ctx context.Context) (*service.CleanupStats, error)
}

// Handler wires onboarding endpoints to the services.
type Handler struct {
	sessions   SessionService
	recovery   RecoveryService
	janitor    JanitorService
	logger     *slog.Logger
	csrfMaxAge time.Duration
}

// New constructs the HTTP handler.
func New(sessions SessionService, recovery RecoveryService, janitor JanitorService, logger *slog.Logger, csrfMaxAge time.Duration) *Handler {
	if csrfMaxAge <= 0 {
		csrfMaxAge = csrf.DefaultMaxAge
	}
	return &Handler{
		sessions:   sessions,
		recovery:   recovery,
		janitor:    janitor,
		logger:     logger,
		csrfMaxAge: csrfMaxAge,
	}
}

// Register mounts all onboarding routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/onboarding/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.requireCSRF(h.handleUpdate))
			r.Delete("/", h.requireCSRF(h.handleDelete))
			r.Get("/recovery", h.handleRecover)
			r.Get("/resume/{step}", h.handleCanResume)
			r.Post("/resume/{step}", h.requireCSRF(h.handleForceResume))
		})
	})
	r.Route("/admin/onboarding", func(r chi.Router) {
		r.Get("/stats", h.handleStats)
		r.Post("/cleanup", h.handleCleanup)
		r.Get("/cleanup/stats", h.handleCleanupStats)
		r.Post("/cleanup/emergency", h.handleEmergencyCleanup)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	origin := models.Origin{}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		origin.IPAddress = &ip
	}
	if ua := requestcontext.UserAgent(ctx); ua != "" {
		origin.UserAgent = &ua
	}

	result, err := h.sessions.Create(ctx, origin)
	if err != nil {
		h.logger.ErrorContext(ctx, "session create failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not create session"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	token, ok := bearerToken(r)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "session token required"))
		return
	}

	sess, err := h.sessions.Get(ctx, id, token)
	if err != nil {
		h.logger.ErrorContext(ctx, "session read failed", "session_id", id, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not read session"))
		return
	}
	if sess == nil {
		writeUnavailable(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

type updateRequest struct {
	CurrentStep *int               `json:"current_step"`
	State       *models.StatePatch `json:"state"`
	IsCompleted *bool              `json:"is_completed"`
	CSRFToken   *string            `json:"csrf_token"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	token, ok := bearerToken(r)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "session token required"))
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.CurrentStep != nil && !schema.StepInRange(*req.CurrentStep) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "current_step out of range"))
		return
	}

	ok, err := h.sessions.Update(ctx, id, token, models.UpdateParams{
		CurrentStep: req.CurrentStep,
		Patch:       req.State,
		IsCompleted: req.IsCompleted,
		CSRFToken:   req.CSRFToken,
	})
	if err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			httputil.WriteErrorWithViolations(w,
				dErrors.New(dErrors.CodeValidation, "state validation failed"), ve.Codes())
			return
		}
		h.logger.ErrorContext(ctx, "session update failed", "session_id", id, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not update session"))
		return
	}
	if !ok {
		writeUnavailable(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	token, ok := bearerToken(r)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "session token required"))
		return
	}

	// Deleting still requires proof of possession: resolve through Get so a
	// token mismatch surfaces as unavailable, not as a successful delete.
	sess, err := h.sessions.Get(ctx, id, token)
	if err != nil {
		h.logger.ErrorContext(ctx, "session read failed", "session_id", id, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not delete session"))
		return
	}
	if sess == nil {
		writeUnavailable(w)
		return
	}
	if _, err := h.sessions.Delete(ctx, id); err != nil {
		h.logger.ErrorContext(ctx, "session delete failed", "session_id", id, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not delete session"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	token, ok := bearerToken(r)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "session token required"))
		return
	}

	result, err := h.recovery.Recover(ctx, id, token)
	if err != nil {
		h.logger.ErrorContext(ctx, "session recovery failed", "session_id", id, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not recover session"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCanResume(w http.ResponseWriter, r *http.Request) {
	h.resume(w, r, false)
}

func (h *Handler) handleForceResume(w http.ResponseWriter, r *http.Request) {
	h.resume(w, r, true)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request, force bool) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	token, ok := bearerToken(r)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "session token required"))
		return
	}
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid step"))
		return
	}

	var allowed bool
	if force {
		allowed, err = h.recovery.ForceResumeFromStep(ctx, id, token, step)
	} else {
		allowed, err = h.recovery.CanResumeFromStep(ctx, id, token, step)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "resume check failed", "session_id", id, "step", step, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not check resume step"))
		return
	}
	if force {
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"resumed": allowed})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"can_resume": allowed})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "session stats failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not read stats"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report := h.janitor.RunCleanup(r.Context(), service.CleanupOptions{
		DryRun: r.URL.Query().Get("dry_run") == "true",
	})
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) handleCleanupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.janitor.GetCleanupStats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "cleanup stats failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not read cleanup stats"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleEmergencyCleanup(w http.ResponseWriter, r *http.Request) {
	report := h.janitor.EmergencyCleanup(r.Context())
	httputil.WriteJSON(w, http.StatusOK, report)
}

// requireCSRF validates the anti-forgery token pair before any mutating
// handler runs. The check is a plain boolean; callers learn nothing about why
// a token was rejected.
func (h *Handler) requireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-CSRF-Token")
		issuedAt, err := strconv.ParseInt(r.Header.Get("X-CSRF-Issued-At"), 10, 64)
		if err != nil || !csrf.Validate(token, issuedAt, h.csrfMaxAge) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "invalid csrf token"))
			return
		}
		next(w, r)
	}
}

// writeUnavailable is the single response shape for absent, expired and
// token-mismatched sessions, so none of the three can be told apart.
func writeUnavailable(w http.ResponseWriter) {
	httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "session unavailable"))
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}
