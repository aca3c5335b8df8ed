package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmiguelok/livewizard/internal/config"
	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/health"
	"github.com/gabrielmiguelok/livewizard/pkg/live"
	"github.com/gabrielmiguelok/livewizard/pkg/protocol"
)

const feedbackWizard = `
id: feedback
title: Feedback
steps:
  - title: Comment
    fields:
      - name: comment
        type: textarea
        rules:
          - required: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	wizards := filepath.Join(dir, "wizards")
	require.NoError(t, os.Mkdir(wizards, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wizards, "feedback.yaml"), []byte(feedbackWizard), 0o644))

	return &config.Config{
		Addr:       "127.0.0.1:0",
		WizardsDir: wizards,
		Sink: config.SinkConfig{
			Kind:       config.SinkSQLite,
			SQLitePath: filepath.Join(dir, "test.db"),
		},
		Live: config.LiveConfig{
			Path:        "/live",
			SessionTTL:  time.Minute,
			MaxSessions: 10,
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

func TestLoadDefinitions(t *testing.T) {
	cfg := testConfig(t)
	defs, err := LoadDefinitions(context.Background(), cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"feedback", "match-result", "player-signup", "tournament-create"}, defs.IDs())

	cfg.WizardsDir = filepath.Join(t.TempDir(), "missing")
	_, err = LoadDefinitions(context.Background(), cfg)
	assert.Error(t, err)

	cfg.WizardsDir = ""
	cfg.OpenAPI.File = filepath.Join(t.TempDir(), "api.yaml")
	_, err = LoadDefinitions(context.Background(), cfg)
	assert.Error(t, err)
}

func TestServer_Serve(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := New(ctx, cfg, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get(base + "/api/wizards")
	require.NoError(t, err)
	var list []live.WizardView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list, 4)

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	var report health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "sqlite")

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(base, "http")+"/live", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	codec := protocol.NewJSONCodec()
	roundTrip := func(msg *protocol.Message) *protocol.Message {
		data, err := codec.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, conn.Write(dialCtx, websocket.MessageText, data))
		for {
			_, raw, err := conn.Read(dialCtx)
			require.NoError(t, err)
			reply, err := codec.Decode(raw)
			require.NoError(t, err)
			if reply.Ref == msg.Ref && reply.Type != protocol.MsgState {
				return reply
			}
		}
	}

	joined := roundTrip(protocol.JoinMessage("feedback", "").WithRef("1"))
	require.True(t, joined.OK(), joined.Reason)
	require.True(t, roundTrip(protocol.SetFieldMessage("2", "comment", "Great tournament")).OK())
	submitted := roundTrip(protocol.EventMessage("3", protocol.EventSubmit, nil))
	require.True(t, submitted.OK(), submitted.Reason)
	assert.Equal(t, "submitted", submitted.Outcome)

	subs, err := srv.sinks.db.Submissions(ctx, "feedback")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Great tournament", subs[0].Values["comment"])

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `livewizard_submissions_total{wizard="feedback",result="submitted"} 1`)
	assert.Contains(t, string(body), "livewizard_sessions_active 1")

	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestOpenSinks_HTTP(t *testing.T) {
	auth := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))
	defer backend.Close()

	cfg := testConfig(t)
	cfg.WizardsDir = ""
	defs, err := LoadDefinitions(context.Background(), cfg)
	require.NoError(t, err)

	sinks, err := OpenSinks(context.Background(), config.SinkConfig{
		Kind:    config.SinkHTTP,
		BaseURL: backend.URL,
		Token:   "tok",
	}, defs, nil, nil)
	require.NoError(t, err)
	defer sinks.Close()

	def, ok := defs.Get("player-signup")
	require.True(t, ok)
	receipt, err := sinks.SubmitFor(def)(context.Background(), forms.Values{"username": "ana"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", receipt.ID)
	assert.Equal(t, "Bearer tok", <-auth)

	hc := health.NewChecker("", nil)
	sinks.AddChecks(hc)
	report := hc.Run(context.Background())
	assert.Contains(t, report.Checks, "sink:player-signup")
	assert.Equal(t, health.StatusHealthy, report.Status)
}

func TestOpenSinks_HTTPNeedsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	defs, err := LoadDefinitions(context.Background(), cfg)
	require.NoError(t, err)

	_, err = OpenSinks(context.Background(), config.SinkConfig{Kind: config.SinkHTTP, BaseURL: "http://127.0.0.1:1"}, defs, nil, nil)
	assert.ErrorContains(t, err, "feedback has no endpoint")
}

func TestOpenSinks_NATS(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      natsserver.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(4*time.Second))
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	cfg := testConfig(t)
	defs, err := LoadDefinitions(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sinks, err := OpenSinks(ctx, config.SinkConfig{
		Kind:        config.SinkNATS,
		NATSURL:     ns.ClientURL(),
		NATSStream:  "LIVEWIZARD",
		NATSSubject: "livewizard.submissions",
	}, defs, nil, nil)
	require.NoError(t, err)
	defer sinks.Close()

	def, ok := defs.Get("feedback")
	require.True(t, ok)
	receipt, err := sinks.SubmitFor(def)(ctx, forms.Values{"comment": "Great"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)
	assert.Equal(t, "LIVEWIZARD", receipt.Data["stream"])

	hc := health.NewChecker("", nil)
	sinks.AddChecks(hc)
	report := hc.Run(ctx)
	assert.Contains(t, report.Checks, "nats")
	assert.Equal(t, health.StatusHealthy, report.Status)
}
