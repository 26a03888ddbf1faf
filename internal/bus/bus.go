package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS JetStream connection used to fan out audit events.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// New connects to the NATS endpoint. Subjects published through the bus are
// prefixed with prefix.
func New(url, prefix string, opts ...nats.Option) (*Bus, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("bus: nats url is required")
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Bus{conn: nc, js: js, prefix: strings.Trim(prefix, ".")}, nil
}

// Subject joins the bus prefix with the given parts.
func (b *Bus) Subject(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if b != nil && b.prefix != "" {
		all = append(all, b.prefix)
	}
	all = append(all, parts...)
	return strings.Join(all, ".")
}

// Close drains the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}
