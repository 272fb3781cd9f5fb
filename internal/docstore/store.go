// Package docstore owns the lifecycle of analysis and proposal records:
// status transitions, background completion and the linear version history.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"freely/api/internal/store"
)

const (
	maxWriteAttempts = 5

	extractionFailedMessage = "Failed to extract text from uploaded file"
	notGeneratedMessage     = "Proposal has not been generated yet"
)

type Store struct {
	repo   store.RecordRepository
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(repo store.RecordRepository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRecord describes a record about to be created. Text is the usable
// input text; when it is blank the record is created failed.
type NewRecord struct {
	OwnerID     string
	OwnerEmail  string
	Type        store.RecordType
	Kind        store.Kind
	ClientLabel string
	Input       store.Input
	Text        string
	ExtractErr  error
}

// Create inserts a new record already moved past pending: processing when
// there is text to work on, failed otherwise. Nobody else can see the record
// before the insert, so both steps land in one write. A processing record
// must be handed to exactly one background task by the caller.
func (s *Store) Create(ctx context.Context, in NewRecord) (store.Record, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return store.Record{}, validation("owner_id", "owner is required")
	}
	now := s.now()
	rec := store.Record{
		OwnerID:             in.OwnerID,
		OwnerEmail:          in.OwnerEmail,
		Type:                in.Type,
		Kind:                in.Kind,
		ClientLabel:         in.ClientLabel,
		Status:              store.StatusProcessing,
		Input:               in.Input,
		History:             []store.HistoryEntry{},
		CurrentVersionIndex: -1,
		Revision:            1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if strings.TrimSpace(in.Text) == "" {
		rec.Status = store.StatusFailed
		rec.Result = &store.Result{Error: extractionFailedMessage, UpdatedAt: &now}
	}

	id, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return store.Record{}, fmt.Errorf("insert record: %w", err)
	}
	rec.ID = id
	if rec.Status == store.StatusFailed && in.ExtractErr != nil {
		s.logger.Warn("text extraction failed", zap.String("record_id", id), zap.Error(in.ExtractErr))
	}
	return rec, nil
}

// Get returns the record when it exists and belongs to ownerID.
func (s *Store) Get(ctx context.Context, ownerID, id string) (store.Record, error) {
	rec, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("load record: %w", err)
	}
	if rec.OwnerID != ownerID {
		return store.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// BeginUpdate moves a completed or failed proposal back to processing ahead
// of an AI-driven update. The returned record carries the content the
// update should start from.
func (s *Store) BeginUpdate(ctx context.Context, ownerID, id string) (store.Record, error) {
	return s.mutate(ctx, ownerID, id, func(rec store.Record, now time.Time) (store.Patch, error) {
		if err := requireGenerated(rec); err != nil {
			return store.Patch{}, err
		}
		if !canTransition(rec.Status, store.StatusProcessing) {
			return store.Patch{}, ErrConflict
		}
		return statusPatch(store.StatusProcessing, now), nil
	})
}

// Restore points the record at history[version] without touching history.
func (s *Store) Restore(ctx context.Context, ownerID, id string, version int) (store.Record, error) {
	return s.mutate(ctx, ownerID, id, func(rec store.Record, now time.Time) (store.Patch, error) {
		if rec.Type != store.TypeProposal {
			return store.Patch{}, validation("id", "only proposals have a version history")
		}
		if version < 0 || version >= len(rec.History) {
			return store.Patch{}, validation("version_index", "Invalid version index")
		}
		result := copyResult(rec.Result)
		result.Content = rec.History[version].Content
		result.UpdatedAt = &now
		return store.Patch{
			Result:              result,
			CurrentVersionIndex: &version,
			UpdatedAt:           now,
		}, nil
	})
}

// Save stores a manually edited proposal. Saving the text that is already
// current only refreshes updated_at.
func (s *Store) Save(ctx context.Context, ownerID, id, content string) (store.Record, error) {
	if strings.TrimSpace(content) == "" {
		return store.Record{}, validation("formatted_proposal", "formatted_proposal is required")
	}
	return s.mutate(ctx, ownerID, id, func(rec store.Record, now time.Time) (store.Patch, error) {
		if err := requireGenerated(rec); err != nil {
			return store.Patch{}, err
		}
		if rec.Content() == content {
			return store.Patch{UpdatedAt: now}, nil
		}
		history, cur := appendEdit(rec.History, rec.CurrentVersionIndex, rec.Content(), content, now)
		result := copyResult(rec.Result)
		result.Content = content
		result.UpdatedAt = &now
		return store.Patch{
			Result:              result,
			History:             history,
			SetHistory:          true,
			CurrentVersionIndex: &cur,
			UpdatedAt:           now,
		}, nil
	})
}

// History returns the version list of an owned proposal.
func (s *Store) History(ctx context.Context, ownerID, id string) (History, error) {
	rec, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return History{}, err
	}
	entries := rec.History
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	return History{
		Entries:             entries,
		CurrentVersionIndex: rec.CurrentVersionIndex,
		TotalVersions:       len(entries),
	}, nil
}

// Operation names the kind of background work a record is waiting on.
type Operation string

const (
	OpAnalysis Operation = "analysis"
	OpGenerate Operation = "generate"
	OpUpdate   Operation = "update"
)

// Outcome is what a background task hands back to Finalize.
type Outcome struct {
	Op      Operation
	Data    json.RawMessage
	Content string
	Err     error
}

// Finalize is the only path that moves a record out of processing. It reads
// the record fresh, so an update is applied on top of whatever restores or
// saves happened while the engine was running. A record that is no longer
// processing is returned unchanged with applied=false.
func (s *Store) Finalize(ctx context.Context, id string, out Outcome) (rec store.Record, applied bool, err error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		rec, err = s.repo.FindByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return store.Record{}, false, ErrNotFound
		}
		if err != nil {
			return store.Record{}, false, fmt.Errorf("load record: %w", err)
		}
		if rec.Status != store.StatusProcessing {
			return rec, false, nil
		}

		now := s.now()
		patch := finalizePatch(rec, out, now)
		patch.ExpectRevision = rec.Revision
		err = s.repo.UpdateFields(ctx, id, patch)
		if errors.Is(err, store.ErrVersionConflict) {
			s.logger.Debug("finalize raced another write, retrying", zap.String("record_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.Record{}, false, ErrNotFound
		}
		if err != nil {
			return store.Record{}, false, fmt.Errorf("finalize record: %w", err)
		}
		return patch.Apply(rec), true, nil
	}
	return store.Record{}, false, fmt.Errorf("finalize record %s: %w", id, store.ErrVersionConflict)
}

func finalizePatch(rec store.Record, out Outcome, now time.Time) store.Patch {
	if out.Err != nil {
		patch := statusPatch(store.StatusFailed, now)
		if out.Op == OpUpdate {
			// A failed update keeps the proposal text so it can be retried.
			result := copyResult(rec.Result)
			result.Error = out.Err.Error()
			result.UpdatedAt = &now
			patch.Result = result
		} else {
			patch.Result = &store.Result{Error: out.Err.Error(), UpdatedAt: &now}
		}
		return patch
	}

	patch := statusPatch(store.StatusCompleted, now)
	switch out.Op {
	case OpGenerate:
		cur := 0
		patch.Result = &store.Result{Content: out.Content, Data: out.Data, UpdatedAt: &now}
		patch.History = initialHistory(out.Content, now)
		patch.SetHistory = true
		patch.CurrentVersionIndex = &cur
	case OpUpdate:
		history, cur := appendEdit(rec.History, rec.CurrentVersionIndex, rec.Content(), out.Content, now)
		result := copyResult(rec.Result)
		result.Content = out.Content
		result.Error = ""
		result.UpdatedAt = &now
		patch.Result = result
		patch.History = history
		patch.SetHistory = true
		patch.CurrentVersionIndex = &cur
	default:
		patch.Result = &store.Result{Data: out.Data, UpdatedAt: &now}
	}
	return patch
}

// mutate runs a read-modify-write against an owned record, re-reading and
// retrying when another writer got in between.
func (s *Store) mutate(ctx context.Context, ownerID, id string, change func(store.Record, time.Time) (store.Patch, error)) (store.Record, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		rec, err := s.Get(ctx, ownerID, id)
		if err != nil {
			return store.Record{}, err
		}
		now := s.now()
		patch, err := change(rec, now)
		if err != nil {
			return store.Record{}, err
		}
		patch.ExpectRevision = rec.Revision
		err = s.repo.UpdateFields(ctx, id, patch)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.Record{}, ErrNotFound
		}
		if err != nil {
			return store.Record{}, fmt.Errorf("update record: %w", err)
		}
		return patch.Apply(rec), nil
	}
	return store.Record{}, fmt.Errorf("update record %s: %w", id, store.ErrVersionConflict)
}

func requireGenerated(rec store.Record) error {
	if rec.Type != store.TypeProposal {
		return validation("id", "only proposals can be edited")
	}
	if rec.Content() == "" {
		return validation("results", notGeneratedMessage)
	}
	return nil
}

func statusPatch(status store.Status, now time.Time) store.Patch {
	return store.Patch{Status: &status, UpdatedAt: now}
}

func copyResult(result *store.Result) *store.Result {
	if result == nil {
		return &store.Result{}
	}
	copied := *result
	return &copied
}
