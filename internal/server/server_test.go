package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"pulseline/internal/app"
	"pulseline/internal/approval"
	"pulseline/internal/db"
	"pulseline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	App    app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a := app.New(conn, nil, app.Options{})
	if _, _, err := app.ResolveStartup(context.Background(), a, "acme", "tester"); err != nil {
		t.Fatalf("resolve startup: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeaders(t *testing.T, subject string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mintToken(t, subject)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/startups", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/startups", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token accepted: %d", res.StatusCode)
	}
}

func TestPublishInboxRespondFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "founder")

	pubRes, pubBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/a2a/messages", map[string]any{
		"startup_id":        "acme",
		"from_agent":        "founder-copilot",
		"to_agent":          "cfo-agent",
		"topic":             "runway.review",
		"message_type":      "REQUEST",
		"priority":          "HIGH",
		"payload":           map[string]any{"months": 4},
		"requires_response": true,
	}, headers)
	if pubRes.StatusCode != http.StatusCreated {
		t.Fatalf("publish status %d: %s", pubRes.StatusCode, string(pubBody))
	}
	var published []MessageResponse
	if err := json.Unmarshal(pubBody, &published); err != nil {
		t.Fatalf("unmarshal publish: %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("direct message fanned out to %d recipients", len(published))
	}
	msg := published[0]
	if msg.MessageType != "REQUEST" || msg.Priority != "HIGH" || !msg.RequiresResponse {
		t.Fatalf("message = %+v", msg)
	}

	inboxRes, inboxBody := doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/a2a/messages/inbox/cfo-agent?startup_id=acme", nil, headers)
	if inboxRes.StatusCode != http.StatusOK {
		t.Fatalf("inbox status %d: %s", inboxRes.StatusCode, string(inboxBody))
	}
	var inbox []MessageResponse
	_ = json.Unmarshal(inboxBody, &inbox)
	if len(inbox) != 1 || inbox[0].ID != msg.ID {
		t.Fatalf("inbox = %+v", inbox)
	}

	respondRes, respondBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/a2a/messages/"+msg.ID+"/respond", map[string]any{
			"startup_id": "acme",
			"from_agent": "cfo-agent",
			"payload":    map[string]any{"verdict": "we have 4.2 months"},
		}, headers)
	if respondRes.StatusCode != http.StatusCreated {
		t.Fatalf("respond status %d: %s", respondRes.StatusCode, string(respondBody))
	}
	var reply MessageResponse
	_ = json.Unmarshal(respondBody, &reply)
	if reply.ThreadID != msg.ThreadID {
		t.Fatalf("reply left the thread: %s != %s", reply.ThreadID, msg.ThreadID)
	}
	if reply.ParentID == nil || *reply.ParentID != msg.ID {
		t.Fatalf("reply parent = %v", reply.ParentID)
	}

	threadRes, threadBody := doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/a2a/messages/thread/"+msg.ThreadID+"?startup_id=acme", nil, headers)
	if threadRes.StatusCode != http.StatusOK {
		t.Fatalf("thread status %d", threadRes.StatusCode)
	}
	var thread []MessageResponse
	_ = json.Unmarshal(threadBody, &thread)
	if len(thread) != 2 {
		t.Fatalf("thread has %d messages", len(thread))
	}

	procRes, procBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/a2a/messages/"+msg.ID+"/processed", map[string]any{"startup_id": "acme"}, headers)
	if procRes.StatusCode != http.StatusOK {
		t.Fatalf("processed status %d: %s", procRes.StatusCode, string(procBody))
	}
	var processed MessageResponse
	_ = json.Unmarshal(procBody, &processed)
	if processed.Status != "PROCESSED" {
		t.Fatalf("status = %s", processed.Status)
	}
}

func TestAutonomyAndActionEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "founder")

	setRes, setBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/startups/acme/autonomy", map[string]any{
		"level": "manual",
	}, headers)
	if setRes.StatusCode != http.StatusOK {
		t.Fatalf("set autonomy status %d: %s", setRes.StatusCode, string(setBody))
	}
	var auto AutonomyResponse
	_ = json.Unmarshal(setBody, &auto)
	if auto.Level != "manual" {
		t.Fatalf("level = %s", auto.Level)
	}

	if res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/startups/acme/autonomy", map[string]any{
		"level": "yolo",
	}, headers); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus level accepted: %d %s", res.StatusCode, string(body))
	}

	// Manual mode gates every category, so a new action needs approval.
	created, err := srv.App.Actions.Create(context.Background(), approvalCreateInput())
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if !created.RequiresApproval {
		t.Fatalf("manual-mode action not gated: %+v", created)
	}

	appRes, appBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/startups/acme/autonomy/actions/"+created.ID+"/approve", nil, headers)
	if appRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", appRes.StatusCode, string(appBody))
	}
	var approved ActionResponse
	_ = json.Unmarshal(appBody, &approved)
	if approved.Status != "APPROVED" || approved.ApprovedBy == nil || *approved.ApprovedBy != "founder" {
		t.Fatalf("approved = %+v", approved)
	}

	// Second decision conflicts.
	if res, _ := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/startups/acme/autonomy/actions/"+created.ID+"/reject", nil, headers); res.StatusCode != http.StatusConflict {
		t.Fatalf("double decision status %d", res.StatusCode)
	}
}

func approvalCreateInput() approval.CreateInput {
	return approval.CreateInput{
		StartupID: "acme",
		Category:  "spend",
		Title:     "cancel unused seats",
		ActorID:   "ops-agent",
	}
}

func TestWorkflowRunOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "founder")

	createRes, createBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/forge/workflows?startup_id=acme", map[string]any{
			"name": "greeting",
			"nodes": []map[string]any{
				{"id": "t", "kind": "trigger"},
				{"id": "x", "kind": "transform", "config": map[string]any{"set": map[string]any{"greeted": true}}},
			},
			"edges": []map[string]any{{"from": "t", "to": "x"}},
		}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", createRes.StatusCode, string(createBody))
	}
	var wf WorkflowResponse
	_ = json.Unmarshal(createBody, &wf)
	if wf.Status != "draft" {
		t.Fatalf("new workflow status = %s", wf.Status)
	}

	// Draft workflows cannot run.
	if res, _ := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/forge/workflows/"+wf.ID+"/run?startup_id=acme", map[string]any{}, headers); res.StatusCode != http.StatusConflict {
		t.Fatalf("draft run status %d", res.StatusCode)
	}

	actRes, actBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/forge/workflows/"+wf.ID+"/activate?startup_id=acme", nil, headers)
	if actRes.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", actRes.StatusCode, string(actBody))
	}
	_ = json.Unmarshal(actBody, &wf)
	if wf.WebhookPath == "" {
		t.Fatal("activation must expose a webhook path")
	}

	runRes, runBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/forge/workflows/"+wf.ID+"/run?startup_id=acme", map[string]any{
			"input": map[string]any{"who": "world"},
		}, headers)
	if runRes.StatusCode != http.StatusCreated {
		t.Fatalf("run status %d: %s", runRes.StatusCode, string(runBody))
	}
	var run RunResponse
	_ = json.Unmarshal(runBody, &run)
	if run.Status != "COMPLETED" {
		t.Fatalf("run status = %s (%v)", run.Status, run.ErrorMessage)
	}
	if run.Context["greeted"] != true {
		t.Fatalf("context = %v", run.Context)
	}

	// The webhook path authenticates by URL secrecy alone.
	hookRes, hookBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0"+wf.WebhookPath, map[string]any{"source": "stripe"}, nil)
	if hookRes.StatusCode != http.StatusCreated {
		t.Fatalf("hook status %d: %s", hookRes.StatusCode, string(hookBody))
	}

	if res, _ := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/hooks/not-a-secret", map[string]any{}, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("bogus hook status %d", res.StatusCode)
	}
}

func TestWebhookHidesInactiveWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "founder")

	_, createBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/forge/workflows?startup_id=acme", map[string]any{
			"name": "retired",
			"nodes": []map[string]any{
				{"id": "t", "kind": "trigger"},
			},
			"edges": []map[string]any{},
		}, headers)
	var wf WorkflowResponse
	_ = json.Unmarshal(createBody, &wf)
	_, actBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/forge/workflows/"+wf.ID+"/activate?startup_id=acme", nil, headers)
	_ = json.Unmarshal(actBody, &wf)
	if wf.WebhookPath == "" {
		t.Fatal("activation must expose a webhook path")
	}
	if res, body := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/forge/workflows/"+wf.ID+"/archive?startup_id=acme", nil, headers); res.StatusCode != http.StatusOK {
		t.Fatalf("archive status %d: %s", res.StatusCode, string(body))
	}

	// The secret of a retired workflow must be indistinguishable from
	// one that never existed.
	res, body := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0"+wf.WebhookPath, map[string]any{}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("retired hook status %d: %s", res.StatusCode, string(body))
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("retired hook code = %q", env.Error.Code)
	}
}

func TestPulseEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/a2a/pulse/acme", nil, authHeaders(t, "founder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pulse status %d: %s", res.StatusCode, string(data))
	}
	var pulse map[string]any
	if err := json.Unmarshal(data, &pulse); err != nil {
		t.Fatalf("unmarshal pulse: %v", err)
	}
	if _, ok := pulse["autonomy"]; !ok {
		t.Fatalf("pulse missing autonomy: %v", pulse)
	}
}
