package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provisioner/internal/domain"
	"provisioner/internal/repo"
)

// DefaultStaleAfter is how long an in_progress claim is honored before a retry may take it over.
const DefaultStaleAfter = 60 * time.Second

// ErrFinal is returned when writing to a completed or skipped checkpoint.
var ErrFinal = errors.New("checkpoint already final")

// Ledger records the outcome of each (project, job type, token) triple.
type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Lookup returns repo.ErrNotFound when the triple was never recorded.
func (l Ledger) Lookup(ctx context.Context, key domain.CheckpointKey) (domain.Checkpoint, error) {
	return l.Repo.GetCheckpoint(ctx, key)
}

// Claim marks the triple in_progress for this caller. claimed is false when
// another caller holds a fresh claim or the checkpoint is already final; cp
// then holds the current record.
func (l Ledger) Claim(ctx context.Context, key domain.CheckpointKey, staleAfter time.Duration) (bool, domain.Checkpoint, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := l.now()
	claimed, err := l.Repo.ClaimCheckpoint(ctx, key, domain.FormatTime(now), domain.FormatTime(now.Add(-staleAfter)))
	if err != nil {
		return false, domain.Checkpoint{}, fmt.Errorf("claim checkpoint: %w", err)
	}
	cp, err := l.Repo.GetCheckpoint(ctx, key)
	if err != nil {
		return false, domain.Checkpoint{}, err
	}
	return claimed, cp, nil
}

type Entry struct {
	Key          domain.CheckpointKey
	Status       domain.CheckpointStatus
	Result       any
	NextToken    string
	ErrorDetails any
}

// Upsert writes the entry keyed by its triple. Final checkpoints are never
// overwritten; ErrFinal is returned instead.
func (l Ledger) Upsert(ctx context.Context, e Entry) (domain.Checkpoint, error) {
	ts := domain.FormatTime(l.now())
	cp := domain.Checkpoint{
		ProjectID: e.Key.ProjectID,
		JobType:   e.Key.JobType,
		Token:     e.Key.Token,
		Status:    e.Status,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	var err error
	if cp.ResultPayload, err = encode(e.Result); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("encode checkpoint result: %w", err)
	}
	if cp.ErrorDetails, err = encode(e.ErrorDetails); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("encode checkpoint error: %w", err)
	}
	if e.NextToken != "" {
		tok := e.NextToken
		cp.NextToken = &tok
	}
	if e.Status.Final() {
		cp.CompletedAt = &ts
	}
	written, err := l.Repo.UpsertCheckpoint(ctx, cp)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("write checkpoint: %w", err)
	}
	if !written {
		return domain.Checkpoint{}, ErrFinal
	}
	return l.Repo.GetCheckpoint(ctx, e.Key)
}

func (l Ledger) Complete(ctx context.Context, key domain.CheckpointKey, result any, nextToken string) (domain.Checkpoint, error) {
	return l.Upsert(ctx, Entry{Key: key, Status: domain.CheckpointCompleted, Result: result, NextToken: nextToken})
}

func (l Ledger) Skip(ctx context.Context, key domain.CheckpointKey, result any, nextToken string) (domain.Checkpoint, error) {
	return l.Upsert(ctx, Entry{Key: key, Status: domain.CheckpointSkipped, Result: result, NextToken: nextToken})
}

func (l Ledger) Fail(ctx context.Context, key domain.CheckpointKey, details any) (domain.Checkpoint, error) {
	return l.Upsert(ctx, Entry{Key: key, Status: domain.CheckpointFailed, ErrorDetails: details})
}

func (l Ledger) List(ctx context.Context, projectID string) ([]domain.Checkpoint, error) {
	return l.Repo.ListCheckpoints(ctx, projectID)
}

// Completed reports whether any checkpoint of the job type finished, either
// completed or skipped.
func (l Ledger) Completed(ctx context.Context, projectID string, jobType domain.JobType) (bool, error) {
	return l.Repo.HasFinishedCheckpoint(ctx, projectID, jobType)
}

// ReplayResult returns the stored payload and successor token exactly as recorded.
func ReplayResult(cp domain.Checkpoint) (json.RawMessage, string) {
	next := ""
	if cp.NextToken != nil {
		next = *cp.NextToken
	}
	return cp.ResultPayload, next
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
