package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"provisioner/internal/app"
	"provisioner/internal/config"
	"provisioner/internal/domain"
	"provisioner/internal/repo"
)

type capturedHook struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	failNext bool
}

func (c *capturedHook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	c.bodies = append(c.bodies, body)
	c.headers = append(c.headers, r.Header.Clone())
}

func (c *capturedHook) received() ([][]byte, []http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.bodies...), append([]http.Header(nil), c.headers...)
}

func TestWebhookDispatcherDeliversFilteredSignedEvents(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	a, err := app.Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close(context.Background())
	ctx := context.Background()

	// History before the dispatcher starts is never delivered.
	p, err := a.CreateProject(ctx, app.CreateProjectInput{OwnerID: "alice"})
	require.NoError(t, err)

	hook := &capturedHook{failNext: true}
	target := httptest.NewServer(hook)
	defer target.Close()

	d := NewWebhookDispatcher(a.Repo, []config.Webhook{{
		URL:    target.URL,
		Secret: "shh",
		Events: []string{domain.EventStateTransition},
	}}, zaptest.NewLogger(t))
	defer d.client.CloseIdleConnections()
	d.DispatchOnce(ctx)
	bodies, _ := hook.received()
	require.Empty(t, bodies)

	_, _, err = a.SetCredential(ctx, app.SetCredentialInput{ProjectID: p.ID, Provider: "github", Ciphertext: "enc"})
	require.NoError(t, err)

	// The first delivery fails and is retried from the same cursor.
	d.DispatchOnce(ctx)
	bodies, _ = hook.received()
	require.Empty(t, bodies)
	d.DispatchOnce(ctx)
	bodies, headers := hook.received()
	require.Len(t, bodies, 1)

	h := headers[0]
	require.Equal(t, domain.EventStateTransition, h.Get("X-Provisioner-Event"))
	require.Equal(t, p.ID, h.Get("X-Provisioner-Project"))
	require.Equal(t, "sha256="+signPayload("shh", bodies[0]), h.Get("X-Provisioner-Signature"))
	require.Contains(t, string(bodies[0]), `"new_state":"credentials_set"`)

	d.DispatchOnce(ctx)
	bodies, _ = hook.received()
	require.Len(t, bodies, 1)
}

func TestWebhookDisabledAndFilter(t *testing.T) {
	disabled := false
	d := NewWebhookDispatcher(repo.Repo{}, []config.Webhook{{URL: "http://127.0.0.1:1", Enabled: &disabled}}, nil)
	d.DispatchOnce(context.Background())
	require.Empty(t, d.cursors)

	f := newEventFilter([]string{" ", ""})
	require.True(t, f.match("anything"))
	f = newEventFilter([]string{domain.EventStepFailed})
	require.True(t, f.match(domain.EventStepFailed))
	require.False(t, f.match(domain.EventStepCompleted))
}
