package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"voice-relay/internal/calls"
	"voice-relay/internal/relay"
	"voice-relay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers ingests the calling provider's event webhooks. These two endpoints
// are the only producers of broadcast traffic.
//
// Every handler is two-phase: persist first (fallible, must succeed for a 2xx
// — the provider retries non-success responses, so a swallowed persistence
// failure would be permanent data loss), then notify (best-effort, failures
// absorbed by the hub). A subscriber can never observe an event whose data
// did not persist.

type Handlers struct {
	Calls *calls.Service
	Hub   *relay.Hub
}

/* ===================== TURN EVENT ===================== */

type turnRequest struct {
	CallID    string `json:"call_id" binding:"required"`
	Speaker   string `json:"speaker" binding:"required"`
	Text      string `json:"text" binding:"required"`
	Timestamp string `json:"timestamp"`
}

// HandleTurn ingests one dialogue turn keyed by our internal call id.
func (h Handlers) HandleTurn(c *gin.Context) {
	log := logger.FromGin(c)

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	speaker := calls.Speaker(req.Speaker)
	if !calls.ValidSpeaker(speaker) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "speaker must be assistant or user"})
		return
	}
	var occurredAt time.Time
	if req.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC 3339"})
			return
		}
		occurredAt = t
	}

	call, tr, err := h.Calls.AppendTurn(c.Request.Context(), calls.TurnRequest{
		CallID:     req.CallID,
		Speaker:    speaker,
		Text:       req.Text,
		OccurredAt: occurredAt,
	})
	if err != nil {
		respondCallsError(c, log, err)
		return
	}

	// Phase 2: best-effort fan-out. Zero subscribers is normal; a failed
	// socket gets evicted inside the hub. None of it changes our response.
	h.Hub.Broadcast(call, relay.NewTranscriptionMessage(call, tr))

	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"call_id":         call.CallID,
		"sequence_number": tr.SequenceNumber,
	})
}

/* ===================== COMPLETION EVENT ===================== */

// The completion webhook is discriminated by its type tag.
const (
	completionTypeEnded  = "call_ended"
	completionTypeFailed = "call_failed"
)

type completionRequest struct {
	Type           string `json:"type" binding:"required"`
	ConversationID string `json:"conversation_id" binding:"required"`
	EndedAt        string `json:"ended_at"`

	// Success variant.
	DurationSeconds int             `json:"duration_seconds"`
	Cost            float64         `json:"cost"`
	Success         *bool           `json:"success"`
	Summary         string          `json:"summary"`
	Analysis        json.RawMessage `json:"analysis"`
	Metadata        json.RawMessage `json:"metadata"`

	// Failure variant.
	Error string `json:"error"`
}

// HandleCompletion ingests the terminal event keyed by the provider's
// conversation id. It never creates calls; only initiation does.
func (h Handlers) HandleCompletion(c *gin.Context) {
	log := logger.FromGin(c)

	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Type != completionTypeEnded && req.Type != completionTypeFailed {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type must be call_ended or call_failed"})
		return
	}
	var endedAt time.Time
	if req.EndedAt != "" {
		t, err := time.Parse(time.RFC3339, req.EndedAt)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "ended_at must be RFC 3339"})
			return
		}
		endedAt = t
	}

	call, duplicate, err := h.Calls.Complete(c.Request.Context(), calls.CompletionRequest{
		ConversationID:  req.ConversationID,
		Failed:          req.Type == completionTypeFailed,
		EndedAt:         endedAt,
		Summary:         req.Summary,
		DurationSeconds: req.DurationSeconds,
		Cost:            req.Cost,
		Success:         req.Success,
		Analysis:        req.Analysis,
		ProviderData:    req.Metadata,
		Reason:          req.Error,
	})
	if err != nil {
		respondCallsError(c, log, err)
		return
	}

	if duplicate {
		// Idempotent no-op: the terminal state already landed and was already
		// broadcast once. Acknowledge so the provider stops retrying.
		c.JSON(http.StatusOK, gin.H{
			"status":          "duplicate",
			"call_id":         call.CallID,
			"conversation_id": call.ConversationID,
		})
		return
	}

	// Exactly two messages, in order, to one snapshot of the subscriber set.
	// A subscriber that dies between them just misses the second message.
	subs := h.Hub.Subscribers(call)
	h.Hub.Deliver(subs, relay.NewStatusMessage(call))
	h.Hub.Deliver(subs, relay.NewCompletedMessage(call))
	h.Hub.Retire(call)

	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"call_id":         call.CallID,
		"conversation_id": call.ConversationID,
	})
}

/* ===================== ERROR MAPPING ===================== */

// Distinct statuses let the provider's retry policy discriminate: fix the
// payload (400), retry later (404/409 while linkage catches up), retry now
// (500).
func respondCallsError(c *gin.Context, log interface {
	Error(msg string, args ...any)
}, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	case errors.Is(err, calls.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrConversationUnlinked):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "conversation id not linked yet"})
	default:
		log.Error("webhook persistence failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "persistence failed"})
	}
}
