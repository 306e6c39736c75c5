package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"agentflow/internal/config"
	"agentflow/internal/db"
	"agentflow/internal/engine"
	"agentflow/internal/metrics"
	"agentflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("agentflow")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Metrics = metrics.NewCollector()
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Metrics: e.Metrics})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/agents", RegisterAgentRequest{Code: "dev-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register agent: %d %s", resp.StatusCode, body)
	}
	var agent AgentResponse
	if err := json.Unmarshal(body, &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.TrustScore != 50.0 {
		t.Fatalf("trust score = %v, want 50", agent.TrustScore)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sessions/start", StartSessionRequest{AgentID: agent.ID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session: %d %s", resp.StatusCode, body)
	}
	var started StartSessionResponse
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}

	// double start must conflict
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sessions/start", StartSessionRequest{AgentID: agent.ID})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sessions/"+started.Session.ID+"/log", LogSessionRequest{Message: "working"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log: %d %s", resp.StatusCode, body)
	}
	var logged LogSessionResponse
	if err := json.Unmarshal(body, &logged); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if logged.Event.ID == 0 || logged.Event.Type != "session_log" {
		t.Fatalf("log response event = %+v, want the appended session_log entry", logged.Event)
	}
	if logged.Event.Payload["message"] != "working" {
		t.Fatalf("log event payload = %v, want message carried through", logged.Event.Payload)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sessions/"+started.Session.ID+"/stop", StopSessionRequest{Summary: "done"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d %s", resp.StatusCode, body)
	}
	var stopped StopSessionResponse
	if err := json.Unmarshal(body, &stopped); err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	if stopped.Session.Status != "stopped" {
		t.Fatalf("session status = %s", stopped.Session.Status)
	}

	// stopping again is a precondition failure
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sessions/"+started.Session.ID+"/stop", StopSessionRequest{})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("double stop: %d %s", resp.StatusCode, body)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q, want not_found", envelope.Error.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("agentflow_sessions_started_total")) {
		t.Fatalf("metrics output missing counter: %s", body)
	}
}
