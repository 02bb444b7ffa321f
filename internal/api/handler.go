package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/mailmsg"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/rulestore"
	"github.com/opensource-finance/heron/internal/triage"
	"github.com/opensource-finance/heron/internal/worker"
)

// maxRawMessage bounds POST /score/raw bodies.
var maxRawMessage int64 = 25 << 20

// evalPointerTTL matches the worker's default.
const evalPointerTTL = 24 * time.Hour

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *rules.Engine
	categories *rulestore.Service
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, categories *rulestore.Service, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		engine:     engine,
		categories: categories,
		version:    version,
	}
}

// CategoryResult is one scored category with its explanation.
type CategoryResult struct {
	domain.ScoringResult
	Explanation string `json:"explanation"`
}

// ScoreResponse is the response for POST /score and POST /score/raw.
type ScoreResponse struct {
	EvaluationID string                    `json:"evaluationId"`
	MessageID    string                    `json:"messageId"`
	Results      []CategoryResult          `json:"results"`
	Applied      []string                  `json:"applied"`
	Suppressed   []string                  `json:"suppressed,omitempty"`
	DryRun       bool                      `json:"dryRun"`
	Metadata     domain.EvaluationMetadata `json:"metadata"`
	Version      string                    `json:"version"`
}

// Score handles POST /score with a JSON message body.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var msg domain.EmailMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if isEmptyMessage(&msg) {
		writeError(w, http.StatusBadRequest, "message has no subject, body, sender or attachments")
		return
	}
	h.score(w, r, &msg)
}

// ScoreRaw handles POST /score/raw with an RFC 5322 message body.
func (h *Handler) ScoreRaw(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRawMessage))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("message exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read message")
		return
	}

	msg, err := mailmsg.ParseBytes(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}
	h.score(w, r, msg)
}

// isEmptyMessage reports whether msg carries nothing a signal could match.
func isEmptyMessage(msg *domain.EmailMessage) bool {
	return strings.TrimSpace(msg.Subject) == "" &&
		strings.TrimSpace(msg.Body) == "" &&
		strings.TrimSpace(msg.SenderEmail) == "" &&
		strings.TrimSpace(msg.SenderName) == "" &&
		len(msg.AttachmentNames) == 0
}

func (h *Handler) score(w http.ResponseWriter, r *http.Request, msg *domain.EmailMessage) {
	start := time.Now()
	ctx := r.Context()
	mailbox := GetMailbox(ctx)
	apply := r.URL.Query().Get("apply") == "true"

	msg.Mailbox = mailbox
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = start.UTC()
	}

	if h.repo != nil {
		if err := h.repo.SaveMessage(ctx, mailbox, msg); err != nil {
			slog.Error("failed to save message", "message_id", msg.ID, "error", err)
		}
	}

	results := h.engine.Score(ctx, msg)
	scoreTime := time.Since(start)
	metrics.MessagesScored.WithLabelValues("api").Inc()

	evaluation := triage.NewProcessor(!apply).Process(ctx, &triage.DecisionInput{
		Message:   msg,
		TraceID:   GetTraceID(ctx),
		Results:   results,
		ScoreTime: scoreTime,
		StartTime: start,
	})

	if h.repo != nil {
		if err := h.repo.SaveEvaluation(ctx, mailbox, evaluation); err != nil {
			slog.Error("failed to save evaluation", "message_id", msg.ID, "error", err)
		}
	}
	if h.cache != nil {
		if err := h.cache.Set(ctx, mailbox, worker.EvaluationKeyPrefix+msg.ID, []byte(evaluation.ID), evalPointerTTL); err != nil {
			slog.Warn("failed to cache evaluation pointer", "message_id", msg.ID, "error", err)
		}
	}
	if h.bus != nil && triage.ShouldLabel(evaluation) {
		worker.PublishLabelRequests(ctx, h.bus, msg, evaluation)
	}

	resp := ScoreResponse{
		EvaluationID: evaluation.ID,
		MessageID:    msg.ID,
		Results:      make([]CategoryResult, len(evaluation.Results)),
		Applied:      evaluation.Applied,
		Suppressed:   evaluation.Suppressed,
		DryRun:       evaluation.DryRun,
		Metadata:     evaluation.Metadata,
		Version:      h.version,
	}
	for i, res := range evaluation.Results {
		resp.Results[i] = CategoryResult{ScoringResult: res, Explanation: res.Explanation()}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.repo != nil {
		checks["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}

	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"rules":   h.engine.RulesCount(),
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	eval, err := h.repo.GetEvaluation(r.Context(), GetMailbox(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// GetMessage retrieves a stored message by ID.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	msg, err := h.repo.GetMessage(r.Context(), GetMailbox(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// GetMessageEvaluation returns the latest evaluation of a message, using
// the cached pointer when there is one.
func (h *Handler) GetMessageEvaluation(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	mailbox := GetMailbox(ctx)
	messageID := chi.URLParam(r, "id")

	if h.cache != nil {
		ptr, err := h.cache.Get(ctx, mailbox, worker.EvaluationKeyPrefix+messageID)
		if err != nil {
			slog.Warn("failed to read evaluation pointer", "message_id", messageID, "error", err)
		}
		if len(ptr) > 0 {
			eval, err := h.repo.GetEvaluation(ctx, mailbox, string(ptr))
			if err == nil {
				writeJSON(w, http.StatusOK, eval)
				return
			}
			if !errors.Is(err, repository.ErrNotFound) {
				writeErr(w, err)
				return
			}
		}
	}

	eval, err := h.repo.LatestEvaluation(ctx, mailbox, messageID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// Rescore releases a message's claim and queues it for the worker again.
func (h *Handler) Rescore(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}
	ctx := r.Context()
	mailbox := GetMailbox(ctx)

	msg, err := h.repo.GetMessage(ctx, mailbox, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.Delete(ctx, mailbox, worker.ClaimKeyPrefix+msg.ID); err != nil {
			writeErr(w, err)
			return
		}
	}

	payload, err := json.Marshal(domain.IngestedMessage{TraceID: GetTraceID(ctx), Message: msg})
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.bus.Publish(ctx, mailbox, domain.TopicMessageIngested, payload); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"messageId": msg.ID,
		"status":    "queued",
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps an error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, rulestore.ErrCategoryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rulestore.ErrCategoryExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
