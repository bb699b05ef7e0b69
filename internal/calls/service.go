package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voice-relay/internal/audit"
	"voice-relay/internal/placement"
	"voice-relay/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Service owns the call lifecycle: initiation, identifier resolution, turn
// sequencing and the terminal transition. The repository is the single source
// of truth; Redis (when configured) backs the per-workspace concurrency cap.

type Service struct {
	repo   Repository
	seq    TurnSequencer
	placer placement.Client
	audit  *audit.Service

	rdb           *redis.Client
	maxConcurrent int
	capTTL        time.Duration

	clock func() time.Time
	log   *slog.Logger
}

type ServiceConfig struct {
	Placer placement.Client
	Audit  *audit.Service

	// Redis plus MaxConcurrentCalls > 0 enables the per-workspace cap.
	Redis              *redis.Client
	MaxConcurrentCalls int

	Logger *slog.Logger
}

func NewService(repo Repository, seq TurnSequencer, cfg ServiceConfig) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:          repo,
		seq:           seq,
		placer:        cfg.Placer,
		audit:         cfg.Audit,
		rdb:           cfg.Redis,
		maxConcurrent: cfg.MaxConcurrentCalls,
		capTTL:        4 * time.Hour,
		clock:         time.Now,
		log:           log,
	}
}

/* ===================== INITIATION ===================== */

type StartCallRequest struct {
	WorkspaceID string
	Channel     string
	From        string
	To          string
	Params      json.RawMessage
}

// StartCall creates the call row first, then asks the provider to place it.
// The row exists even when placement fails, so initiation failures stay
// visible: such calls end up failed with no conversation id, permanently.
func (s *Service) StartCall(ctx context.Context, req StartCallRequest) (Call, error) {
	if req.WorkspaceID == "" || req.Channel == "" {
		return Call{}, ErrInvalidArgument
	}
	if s.placer == nil {
		return Call{}, fmt.Errorf("calls: placement client not configured")
	}

	now := s.clock().UTC()
	callID := NewCallID(req.Channel, now)

	acquired, err := s.acquireSlot(ctx, req.WorkspaceID)
	if err != nil {
		return Call{}, err
	}
	if !acquired {
		return Call{}, ErrConcurrencyLimit
	}

	start := now
	c := Call{
		CallID:      callID,
		WorkspaceID: req.WorkspaceID,
		Channel:     req.Channel,
		From:        req.From,
		To:          req.To,
		Status:      CallStatusInProgress,
		StartTime:   &start,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		s.releaseSlot(ctx, req.WorkspaceID)
		return Call{}, err
	}
	s.record(ctx, audit.EventTypeCallCreated, c, "call row created")

	ack, err := s.placer.Place(ctx, placement.Request{
		CallID:      callID,
		WorkspaceID: req.WorkspaceID,
		From:        req.From,
		To:          req.To,
		Channel:     req.Channel,
		Params:      req.Params,
	})
	if err != nil {
		failed, ferr := s.repo.MarkFailed(ctx, callID, s.clock().UTC())
		if ferr != nil {
			s.log.Error("mark failed after placement error", "call_id", callID, "err", ferr)
		} else {
			c = failed
		}
		s.releaseSlot(ctx, req.WorkspaceID)
		s.record(ctx, audit.EventTypeCallFailed, c, "placement failed")
		return c, fmt.Errorf("calls: placement: %w", err)
	}

	if ack.ConversationID != "" {
		if err := s.repo.LinkConversationID(ctx, callID, ack.ConversationID, s.clock().UTC()); err != nil {
			return c, err
		}
		c.ConversationID = ack.ConversationID
		s.record(ctx, audit.EventTypeConversationLinked, c, "provider acknowledged")
	}
	return c, nil
}

/* ===================== RESOLUTION ===================== */

// Resolve maps an opaque identifier, internal or provider-issued, to its one
// canonical call. The structural prefix only orders the two lookups; the
// fallback always runs, so resolution never depends on id shape alone.
func (s *Service) Resolve(ctx context.Context, identifier string) (Call, ResolvedBy, error) {
	if identifier == "" {
		return Call{}, ResolvedByNone, ErrInvalidArgument
	}

	first, second := ResolvedByExternal, ResolvedByInternal
	if LooksInternal(identifier) {
		first, second = second, first
	}

	for _, by := range []ResolvedBy{first, second} {
		var (
			c   Call
			err error
		)
		switch by {
		case ResolvedByInternal:
			c, err = s.repo.GetByCallID(ctx, identifier)
		case ResolvedByExternal:
			c, err = s.repo.GetByConversationID(ctx, identifier)
		}
		if err == nil {
			return c, by, nil
		}
		if !errors.Is(err, ErrCallNotFound) {
			return Call{}, ResolvedByNone, err
		}
	}
	return Call{}, ResolvedByNone, ErrCallNotFound
}

// ConversationID returns the provider-issued id for an internal call id.
// It fails with ErrConversationUnlinked, never a silent empty string, when the
// call exists but the provider has not acknowledged it yet.
func (s *Service) ConversationID(ctx context.Context, callID string) (string, error) {
	c, err := s.repo.GetByCallID(ctx, callID)
	if err != nil {
		return "", err
	}
	if c.ConversationID == "" {
		return "", ErrConversationUnlinked
	}
	return c.ConversationID, nil
}

/* ===================== TURNS ===================== */

type TurnRequest struct {
	CallID     string
	Speaker    Speaker
	Text       string
	OccurredAt time.Time
}

// AppendTurn resolves the conversation id, assigns the next sequence number
// and persists the turn. Broadcast is the caller's second phase; nothing here
// touches live connections, so a persisted turn is durable before any
// subscriber can observe it.
func (s *Service) AppendTurn(ctx context.Context, req TurnRequest) (Call, Transcription, error) {
	if req.CallID == "" || req.Text == "" || !ValidSpeaker(req.Speaker) {
		return Call{}, Transcription{}, ErrInvalidArgument
	}

	c, err := s.repo.GetByCallID(ctx, req.CallID)
	if err != nil {
		return Call{}, Transcription{}, err
	}
	if c.ConversationID == "" {
		return Call{}, Transcription{}, ErrConversationUnlinked
	}

	seq, err := s.seq.Next(ctx, c.ConversationID)
	if err != nil {
		return Call{}, Transcription{}, err
	}

	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock().UTC()
	}
	tr := Transcription{
		ID:             uuid.NewString(),
		ConversationID: c.ConversationID,
		Speaker:        req.Speaker,
		Text:           req.Text,
		SequenceNumber: seq,
		OccurredAt:     occurred,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.repo.AppendTranscription(ctx, tr); err != nil {
		return Call{}, Transcription{}, err
	}
	s.record(ctx, audit.EventTypeTurnAppended, c, fmt.Sprintf("turn %d (%s)", seq, req.Speaker))
	return c, tr, nil
}

// Transcript lists a call's turns in sequence order, resolving either id.
func (s *Service) Transcript(ctx context.Context, identifier string) ([]Transcription, error) {
	c, _, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if c.ConversationID == "" {
		return []Transcription{}, nil
	}
	return s.repo.ListTranscriptions(ctx, c.ConversationID)
}

/* ===================== COMPLETION ===================== */

type CompletionRequest struct {
	ConversationID  string
	Failed          bool
	EndedAt         time.Time
	Summary         string
	DurationSeconds int
	Cost            float64
	Success         *bool
	Analysis        json.RawMessage
	ProviderData    json.RawMessage

	// Reason carries the provider's error context on the failure variant.
	Reason string
}

// Complete applies the terminal transition. A duplicate delivery is an
// idempotent no-op: the current row comes back with duplicate=true, nothing
// is overwritten and the caller must not re-broadcast.
func (s *Service) Complete(ctx context.Context, req CompletionRequest) (c Call, duplicate bool, err error) {
	if req.ConversationID == "" {
		return Call{}, false, ErrInvalidArgument
	}

	status := CallStatusCompleted
	if req.Failed {
		status = CallStatusFailed
	}
	summary := req.Summary
	if req.Failed && summary == "" {
		summary = req.Reason
	}
	endedAt := req.EndedAt
	if endedAt.IsZero() {
		endedAt = s.clock().UTC()
	}

	c, err = s.repo.Complete(ctx, req.ConversationID, CompletionUpdate{
		Status:          status,
		EndTime:         endedAt,
		Summary:         summary,
		DurationSeconds: req.DurationSeconds,
		Cost:            req.Cost,
		Success:         req.Success,
		Analysis:        req.Analysis,
		ProviderData:    req.ProviderData,
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		return c, true, nil
	}
	if err != nil {
		return Call{}, false, err
	}

	s.releaseSlot(ctx, c.WorkspaceID)
	if ferr := s.seq.Forget(ctx, c.ConversationID); ferr != nil {
		s.log.Warn("sequence cleanup failed", "conversation_id", c.ConversationID, "err", ferr)
	}
	typ := audit.EventTypeCallCompleted
	if req.Failed {
		typ = audit.EventTypeCallFailed
	}
	s.record(ctx, typ, c, "terminal status "+string(status))
	return c, false, nil
}

/* ===================== INTERNAL ===================== */

func capKey(workspaceID string) string { return "relay:cap:" + workspaceID }

func (s *Service) acquireSlot(ctx context.Context, workspaceID string) (bool, error) {
	if s.rdb == nil || s.maxConcurrent <= 0 {
		return true, nil
	}
	return utils.AcquireConcurrencyCap(ctx, s.rdb, capKey(workspaceID), s.maxConcurrent, s.capTTL)
}

func (s *Service) releaseSlot(ctx context.Context, workspaceID string) {
	if s.rdb == nil || s.maxConcurrent <= 0 {
		return
	}
	if err := utils.ReleaseConcurrencyCap(ctx, s.rdb, capKey(workspaceID)); err != nil {
		s.log.Warn("concurrency cap release failed", "workspace_id", workspaceID, "err", err)
	}
}

func (s *Service) record(ctx context.Context, typ audit.EventType, c Call, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordLifecycle(ctx, typ, c.WorkspaceID, c.CallID, c.ConversationID, msg); err != nil {
		s.log.Warn("audit append failed", "call_id", c.CallID, "type", string(typ), "err", err)
	}
}
