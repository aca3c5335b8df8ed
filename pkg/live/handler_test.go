package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmiguelok/livewizard/pkg/definition"
	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/protocol"
	"github.com/gabrielmiguelok/livewizard/pkg/state"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

type testServer struct {
	*httptest.Server
	handler *Handler
}

func newTestServer(t *testing.T, submit wizard.SubmitFunc, tweak func(*Config)) *testServer {
	t.Helper()
	defs := definition.NewRegistry()
	require.NoError(t, defs.Add(signupDefinition()))

	cfg := Config{
		Definitions: defs,
		SubmitFor:   func(*definition.Definition) wizard.SubmitFunc { return submit },
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h, err := NewHandler(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, handler: h}
}

type client struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
	ref   int
	// pushes holds state messages received while waiting for replies.
	pushes []*protocol.Message
}

func (ts *testServer) dial(t *testing.T, subprotocol string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if subprotocol != "" {
		opts.Subprotocols = []string{subprotocol}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	codec, err := protocol.NewCodecRegistry().Negotiate(conn.Subprotocol())
	require.NoError(t, err)
	return &client{t: t, conn: conn, codec: codec}
}

func (c *client) nextRef() string {
	c.ref++
	return strconv.Itoa(c.ref)
}

func (c *client) write(msg *protocol.Message) {
	c.t.Helper()
	data, err := c.codec.Encode(msg)
	require.NoError(c.t, err)
	kind := websocket.MessageText
	if c.codec.Binary() {
		kind = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, kind, data))
}

func (c *client) read() (*protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(data)
}

// await returns the reply to ref, collecting state pushes on the way.
func (c *client) await(ref string) *protocol.Message {
	c.t.Helper()
	for {
		msg, err := c.read()
		require.NoError(c.t, err)
		if msg.Type == protocol.MsgState {
			c.pushes = append(c.pushes, msg)
			continue
		}
		if msg.Ref == ref {
			return msg
		}
	}
}

// drain keeps reading in the background so close handshakes complete.
func (c *client) drain() {
	go func() {
		for {
			if _, _, err := c.conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

// awaitStatus reads until a state push reports status.
func (c *client) awaitStatus(status wizard.Status) {
	c.t.Helper()
	for {
		msg, err := c.read()
		require.NoError(c.t, err)
		if msg.Type == protocol.MsgState && msg.State != nil && msg.State.Status == status {
			return
		}
	}
}

func (c *client) join(wizardID, resume string) *protocol.Message {
	c.t.Helper()
	ref := c.nextRef()
	c.write(protocol.JoinMessage(wizardID, resume).WithRef(ref))
	return c.await(ref)
}

func (c *client) event(event string, payload map[string]any) *protocol.Message {
	c.t.Helper()
	ref := c.nextRef()
	c.write(protocol.EventMessage(ref, event, payload))
	return c.await(ref)
}

func (c *client) set(name string, value any) *protocol.Message {
	c.t.Helper()
	return c.event(protocol.EventSetField, map[string]any{"name": name, "value": value})
}

// fillSignup brings the signup wizard to its last step with valid values.
func (c *client) fillSignup() {
	c.t.Helper()
	require.True(c.t, c.set("email", "ana@example.com").OK())
	require.Equal(c.t, "advanced", c.event(protocol.EventSubmit, nil).Outcome)
	require.True(c.t, c.set("username", "ana").OK())
	require.Equal(c.t, "advanced", c.event(protocol.EventAdvance, nil).Outcome)
	require.True(c.t, c.set("terms", true).OK())
}

func TestHandler_JoinAndSubmit(t *testing.T) {
	var (
		mu        sync.Mutex
		submitted forms.Values
	)
	ts := newTestServer(t, func(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
		mu.Lock()
		submitted = v
		mu.Unlock()
		return &wizard.Receipt{ID: "player-1"}, nil
	}, nil)

	c := ts.dial(t, "")
	joined := c.join("signup", "")
	require.True(t, joined.OK(), joined.Reason)
	require.NotEmpty(t, joined.Session)
	require.NotNil(t, joined.State)
	assert.Equal(t, 1, joined.State.CurrentStep)
	assert.Equal(t, 3, joined.State.TotalSteps)

	invalid := c.event(protocol.EventAdvance, nil)
	assert.Equal(t, "invalid", invalid.Outcome)
	assert.Equal(t, "This field is required", invalid.State.Errors["email"])

	c.fillSignup()
	done := c.event(protocol.EventSubmit, nil)
	require.True(t, done.OK(), done.Reason)
	assert.Equal(t, "submitted", done.Outcome)
	assert.Equal(t, wizard.StatusSubmitted, done.State.Status)

	mu.Lock()
	assert.Equal(t, "ana", submitted["username"])
	mu.Unlock()

	var sawSubmitting bool
	for _, p := range c.pushes {
		if p.State.Status == wizard.StatusSubmitting {
			sawSubmitting = true
		}
	}
	assert.True(t, sawSubmitting, "a submitting state is pushed before the reply")

	after := c.set("email", "other@example.com")
	assert.False(t, after.OK())
	assert.Contains(t, after.Reason, "submitted")
}

func TestHandler_MsgPack(t *testing.T) {
	ts := newTestServer(t, acceptAll, nil)
	c := ts.dial(t, "msgpack")
	require.Equal(t, "msgpack", c.conn.Subprotocol())

	require.True(t, c.join("signup", "").OK())
	require.True(t, c.set("email", "ana@example.com").OK())
	reply := c.event(protocol.EventAdvance, nil)
	assert.Equal(t, "advanced", reply.Outcome)
	assert.Equal(t, 2, reply.State.CurrentStep)

	jumped := c.event(protocol.EventJump, map[string]any{"step": 1})
	require.True(t, jumped.OK(), jumped.Reason)
	assert.Equal(t, "invalid", jumped.Outcome, "step 2 needs a username before leaving")
}

func TestHandler_MsgPackNumberField(t *testing.T) {
	ts := newTestServer(t, acceptAll, nil)
	c := ts.dial(t, "msgpack")

	require.True(t, c.join("signup", "").OK())
	require.True(t, c.set("email", "ana@example.com").OK())
	require.Equal(t, "advanced", c.event(protocol.EventAdvance, nil).Outcome)

	reply := c.set("age", 8)
	require.True(t, reply.OK(), reply.Reason)
	assert.Equal(t, 8.0, reply.State.Values["age"])

	reply = c.set("age", []any{8})
	assert.False(t, reply.OK())
	assert.Contains(t, reply.Reason, "is not a number")
}

func TestHandler_Errors(t *testing.T) {
	ts := newTestServer(t, acceptAll, nil)

	c := ts.dial(t, "")
	reply := c.join("nope", "")
	assert.False(t, reply.OK())
	assert.Contains(t, reply.Reason, "unknown wizard")
	_, err := c.read()
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	c = ts.dial(t, "")
	c.write(protocol.EventMessage("1", protocol.EventAdvance, nil))
	reply = c.await("1")
	assert.Equal(t, ErrJoinExpected.Error(), reply.Reason)

	c = ts.dial(t, "")
	require.True(t, c.join("signup", "").OK())
	reply = c.event("dance", nil)
	assert.False(t, reply.OK())
	assert.Contains(t, reply.Reason, "no handler for event")

	reply = c.event(protocol.EventRetreat, nil)
	assert.Equal(t, wizard.ErrNoPreviousStep.Error(), reply.Reason)
	require.NotNil(t, reply.State)

	ref := c.nextRef()
	c.write(protocol.HeartbeatMessage().WithRef(ref))
	assert.Equal(t, protocol.MsgHeartbeat, c.await(ref).Type)
}

func TestHandler_Origin(t *testing.T) {
	ts := newTestServer(t, acceptAll, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://tournaments.example"}
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	for origin, allowed := range map[string]bool{
		"https://tournaments.example": true,
		"https://evil.example":        false,
	} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
		cancel()
		if allowed {
			require.NoError(t, err, origin)
			conn.CloseNow()
			continue
		}
		require.Error(t, err, origin)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	ts := newTestServer(t, acceptAll, func(cfg *Config) {
		cfg.EventsPerSecond = 0.001
		cfg.EventBurst = 2
	})
	c := ts.dial(t, "")
	require.True(t, c.join("signup", "").OK())

	assert.True(t, c.set("email", "a").OK())
	assert.True(t, c.set("email", "ab").OK())
	limited := c.set("email", "abc")
	assert.False(t, limited.OK())
	assert.Equal(t, "rate limit exceeded", limited.Reason)
	assert.Equal(t, "ab", limited.State.Values["email"])
}

func TestHandler_Rejection(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
		return nil, wizard.Reject("Username taken", map[string]string{"username": "This username is already taken"})
	}, nil)
	c := ts.dial(t, "")
	require.True(t, c.join("signup", "").OK())
	c.fillSignup()

	reply := c.event(protocol.EventSubmit, nil)
	assert.False(t, reply.OK())
	assert.Equal(t, "rejected", reply.Outcome)
	assert.Equal(t, "Username taken", reply.Reason)
	require.NotNil(t, reply.State)
	assert.Equal(t, wizard.StatusFailed, reply.State.Status)
	assert.Equal(t, "Username taken", reply.State.LastError)
	assert.Equal(t, "This username is already taken", reply.State.Errors["username"])
	assert.Equal(t, 3, reply.State.CurrentStep)

	edited := c.set("terms", true)
	assert.Equal(t, wizard.StatusEditing, edited.State.Status)
}

func TestHandler_DoubleSubmitIgnored(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	ts := newTestServer(t, func(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &wizard.Receipt{ID: "r"}, nil
	}, nil)
	c := ts.dial(t, "")
	require.True(t, c.join("signup", "").OK())
	c.fillSignup()

	first := c.nextRef()
	c.write(protocol.EventMessage(first, protocol.EventSubmit, nil))
	c.awaitStatus(wizard.StatusSubmitting)
	second := c.event(protocol.EventSubmit, nil)
	assert.Equal(t, "ignored", second.Outcome)

	close(release)
	done := c.await(first)
	assert.Equal(t, "submitted", done.Outcome)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestHandler_ResumeAfterDrop(t *testing.T) {
	store := state.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	sessions := state.NewManager(store)

	ts := newTestServer(t, acceptAll, func(cfg *Config) {
		cfg.Sessions = sessions
	})

	c := ts.dial(t, "")
	joined := c.join("signup", "")
	require.True(t, c.set("email", "ana@example.com").OK())
	require.Equal(t, "advanced", c.event(protocol.EventAdvance, nil).Outcome)
	c.conn.CloseNow()

	require.Eventually(t, func() bool {
		ids, _ := sessions.Sessions(context.Background())
		return len(ids) == 1
	}, 5*time.Second, 10*time.Millisecond)

	c2 := ts.dial(t, "")
	resumed := c2.join("signup", joined.Session)
	require.True(t, resumed.OK(), resumed.Reason)
	assert.Equal(t, joined.Session, resumed.Session)
	assert.Equal(t, 2, resumed.State.CurrentStep)
	assert.Equal(t, "ana@example.com", resumed.State.Values["email"])
	assert.Equal(t, joined.State.ID, resumed.State.ID)

	ids, err := sessions.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "a session resumes once")

	// Leaving for good does not keep the session.
	c2.write(protocol.LeaveMessage(resumed.Session))
	c2.drain()
	require.Eventually(t, func() bool { return ts.handler.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
	ids, _ = sessions.Sessions(context.Background())
	assert.Empty(t, ids)

	c3 := ts.dial(t, "")
	fresh := c3.join("signup", "no-such-session")
	require.True(t, fresh.OK())
	assert.NotEqual(t, "no-such-session", fresh.Session)
	assert.Equal(t, 1, fresh.State.CurrentStep)
}

func TestHandler_DropDuringSubmit(t *testing.T) {
	tests := []struct {
		name string
		// result is what the sink returns once the connection is gone.
		result    error
		wait      time.Duration
		resumable bool
	}{
		{name: "accepted", resumable: false},
		{name: "rejected", result: wizard.Reject("Backend unavailable", nil), resumable: true},
		{name: "still running", wait: 50 * time.Millisecond, resumable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := state.NewMemoryStore(0)
			t.Cleanup(func() { store.Close() })
			sessions := state.NewManager(store)

			release := make(chan struct{})
			var calls atomic.Int32
			ts := newTestServer(t, func(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
				calls.Add(1)
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				if tt.result != nil {
					return nil, tt.result
				}
				return &wizard.Receipt{ID: "player-1"}, nil
			}, func(cfg *Config) {
				cfg.Sessions = sessions
				cfg.SubmitWait = tt.wait
			})

			c := ts.dial(t, "")
			joined := c.join("signup", "")
			c.fillSignup()
			c.write(protocol.EventMessage(c.nextRef(), protocol.EventSubmit, nil))
			c.awaitStatus(wizard.StatusSubmitting)
			c.conn.CloseNow()
			if tt.wait == 0 {
				close(release)
			}

			require.Eventually(t, func() bool { return ts.handler.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
			ids, err := sessions.Sessions(context.Background())
			require.NoError(t, err)

			c2 := ts.dial(t, "")
			rejoined := c2.join("signup", joined.Session)
			require.True(t, rejoined.OK(), rejoined.Reason)
			if tt.resumable {
				assert.Len(t, ids, 1)
				assert.Equal(t, joined.Session, rejoined.Session)
				assert.Equal(t, 3, rejoined.State.CurrentStep)
				assert.Equal(t, "ana", rejoined.State.Values["username"])
			} else {
				assert.Empty(t, ids, "a submission the sink may have accepted is not resumable")
				assert.NotEqual(t, joined.Session, rejoined.Session)
				assert.Equal(t, 1, rejoined.State.CurrentStep)
			}
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestHandler_Shutdown(t *testing.T) {
	store := state.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	sessions := state.NewManager(store)
	ts := newTestServer(t, acceptAll, func(cfg *Config) {
		cfg.Sessions = sessions
	})

	c := ts.dial(t, "")
	joined := c.join("signup", "")
	require.Eventually(t, func() bool { return ts.handler.ActiveSessions() == 1 }, 5*time.Second, 10*time.Millisecond)
	c.drain()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.handler.Shutdown(ctx))
	assert.Equal(t, 0, ts.handler.ActiveSessions())

	sess, err := sessions.Load(context.Background(), joined.Session)
	require.NoError(t, err)
	assert.Equal(t, "signup", sess.WizardID)

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_MaxSessions(t *testing.T) {
	ts := newTestServer(t, acceptAll, func(cfg *Config) {
		cfg.MaxSessions = 1
	})
	c := ts.dial(t, "")
	require.True(t, c.join("signup", "").OK())
	require.Eventually(t, func() bool { return ts.handler.ActiveSessions() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_MaxSessionsCountsUpgrades(t *testing.T) {
	ts := newTestServer(t, acceptAll, func(cfg *Config) {
		cfg.MaxSessions = 1
	})
	c := ts.dial(t, "")
	assert.Equal(t, 0, ts.handler.ActiveSessions(), "not joined yet")

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	c.conn.CloseNow()
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode != http.StatusServiceUnavailable
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.ErrorIs(t, err, ErrNoDefinitions)
	_, err = NewHandler(Config{Definitions: definition.NewRegistry()})
	assert.ErrorIs(t, err, ErrNoSubmit)
}

func TestCatalogHandler(t *testing.T) {
	defs := definition.NewRegistry()
	require.NoError(t, defs.Add(signupDefinition()))
	srv := httptest.NewServer(CatalogHandler(defs))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/wizards")
	require.NoError(t, err)
	var list []WizardView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "Sign up", list[0].Title)
	assert.Empty(t, list[0].Steps)

	resp, err = http.Get(srv.URL + "/api/wizards/signup")
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	resp.Body.Close()
	steps := raw["steps"].([]any)
	require.Len(t, steps, 3)
	first := steps[0].(map[string]any)["fields"].([]any)[0].(map[string]any)
	assert.Equal(t, "email", first["name"])
	assert.Equal(t, true, first["required"])

	resp, err = http.Get(srv.URL + "/api/wizards/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
