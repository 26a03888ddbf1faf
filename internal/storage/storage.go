package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Provisioner prepares the per-project object storage bucket.
type Provisioner interface {
	Name() string
	// EnsureBucket creates the bucket when missing and reports whether it did.
	EnsureBucket(ctx context.Context, name string) (bool, error)
	// Probe returns an error when the bucket is missing or unreachable.
	Probe(ctx context.Context, name string) error
}

const (
	BackendNoop  = "noop"
	BackendS3    = "s3"
	BackendMinio = "minio"
)

type Config struct {
	Backend      string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	UseSSL       bool
	BucketPrefix string
}

func (c Config) region() string {
	if c.Region == "" {
		return "us-east-1"
	}
	return c.Region
}

// New returns the provisioner for the configured backend.
func New(ctx context.Context, cfg Config) (Provisioner, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNoop:
		return NewNoop(), nil
	case BackendS3:
		return NewS3(ctx, cfg)
	case BackendMinio:
		return NewMinio(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

var invalidBucketChars = regexp.MustCompile(`[^a-z0-9-]+`)

// BucketName derives a DNS-safe bucket name for a project, at most 63 characters.
func BucketName(prefix, projectID string) string {
	name := strings.ToLower(strings.Trim(prefix, "-") + "-" + projectID)
	name = strings.Trim(invalidBucketChars.ReplaceAllString(name, "-"), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

// ErrBucketMissing is returned by Probe when the bucket does not exist.
var ErrBucketMissing = errors.New("bucket does not exist")

// Noop keeps buckets in memory. It backs local runs and tests.
type Noop struct {
	mu      sync.Mutex
	buckets map[string]struct{}
}

func NewNoop() *Noop {
	return &Noop{buckets: map[string]struct{}{}}
}

func (n *Noop) Name() string { return BackendNoop }

func (n *Noop) EnsureBucket(_ context.Context, name string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.buckets[name]; ok {
		return false, nil
	}
	n.buckets[name] = struct{}{}
	return true, nil
}

func (n *Noop) Probe(_ context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.buckets[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrBucketMissing)
	}
	return nil
}
