package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"provisioner/internal/domain"
	"provisioner/internal/repo"
)

// Writer appends audit rows, inside the caller's transaction when one is given.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.AuditEvent) (domain.AuditEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.CreatedAt == "" {
		e.CreatedAt = domain.FormatTime(w.Now())
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.ActorType == "" {
		e.ActorType = domain.ActorSystem
	}
	id, err := w.Repo.InsertAuditTx(ctx, tx, e)
	if err != nil {
		return e, err
	}
	e.ID = id
	return e, nil
}

// Sink receives audit events outside of any transaction.
type Sink interface {
	Record(ctx context.Context, e domain.AuditEvent) error
}

// StoreSink persists events through a Writer.
type StoreSink struct {
	Writer Writer
}

func (s StoreSink) Record(ctx context.Context, e domain.AuditEvent) error {
	_, err := s.Writer.Append(ctx, nil, e)
	return err
}

// Publisher is the slice of the message bus the BusSink needs.
type Publisher interface {
	Subject(parts ...string) string
	Publish(ctx context.Context, subj string, v any) error
}

// BusSink publishes events under <prefix>.audit.<event_type>.
type BusSink struct {
	Bus Publisher
}

func (s BusSink) Record(ctx context.Context, e domain.AuditEvent) error {
	if s.Bus == nil {
		return nil
	}
	return s.Bus.Publish(ctx, s.Bus.Subject("audit", e.EventType), e)
}

// MultiSink records to every sink and joins the failures.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type bestEffort struct {
	sink Sink
	log  *zap.Logger
}

// BestEffort wraps sink so that failures are logged and never returned.
func BestEffort(logger *zap.Logger, sink Sink) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return bestEffort{sink: sink, log: logger}
}

func (b bestEffort) Record(ctx context.Context, e domain.AuditEvent) error {
	if b.sink == nil {
		return nil
	}
	if err := b.sink.Record(ctx, e); err != nil {
		b.log.Warn("audit write failed",
			zap.String("project_id", e.ProjectID),
			zap.String("event_type", e.EventType),
			zap.Error(err))
	}
	return nil
}
