package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"touchline/internal/config"
	"touchline/internal/db"
	"touchline/internal/domain"
	"touchline/internal/engine"
	"touchline/internal/migrate"
	"touchline/internal/repo"
)

const (
	testUser   = "user-1"
	testSecret = "test-secret"
)

var userHeader = map[string]string{"X-User-Id": testUser}

type testServer struct {
	URL    string
	Engine engine.Engine
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
	cfg := config.Default(testUser)
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) }
	e.Events.Now = e.Now
	if err := e.Repo.UpsertUserConfig(context.Background(), testUser, cfg); err != nil {
		t.Fatalf("seed user config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowUserHeader: true}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func createRelationship(t *testing.T, srv *testServer, body map[string]any) domain.Relationship {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relationships", body, userHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create relationship status %d: %s", res.StatusCode, string(data))
	}
	var rel domain.Relationship
	if err := json.Unmarshal(data, &rel); err != nil {
		t.Fatalf("unmarshal relationship: %v", err)
	}
	return rel
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestBatchSchedulingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rel := createRelationship(t, srv, map[string]any{"name": "Dana", "tier": "active"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relationships/"+rel.ID+"/schedule", map[string]any{
		"proposed_dates": []string{"2025-01-12", "2025-01-12", "2025-01-12"},
	}, userHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}
	var dry ScheduleResultList
	if err := json.Unmarshal(data, &dry); err != nil {
		t.Fatal(err)
	}
	want := []string{"2025-01-12", "2025-01-12", "2025-01-13"}
	for i, r := range dry.Items {
		if r.ScheduledDate != want[i] || r.ProposedDate != "2025-01-12" {
			t.Fatalf("dry run item %d = %+v", i, r)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relationships/"+rel.ID+"/actions", map[string]any{
		"actions": []map[string]any{
			{"type": "follow_up", "proposed_date": "2025-01-01", "estimated_minutes": 10},
			{"type": "outreach", "estimated_minutes": 4},
		},
	}, userHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create actions status %d: %s", res.StatusCode, string(data))
	}
	var created ScheduledActionList
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if len(created.Items) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(created.Items))
	}
	if got := created.Items[0].Action.DueDate; got != "2025-01-10" {
		t.Fatalf("past proposal scheduled %s, want today", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions/next?max_duration=5", nil, userHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next status %d: %s", res.StatusCode, string(data))
	}
	var next NextActionResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatal(err)
	}
	if next.Action.Type != "outreach" || next.Reason == "" || next.RelationshipName != "Dana" {
		t.Fatalf("unexpected next action %+v", next)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions/next?max_duration=7", nil, userHeader)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("bad duration status %d: %s", res.StatusCode, string(data))
	}
}

func TestNextActionNoneAvailable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions/next", nil, userHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "none_available" {
		t.Fatalf("error code = %s", code)
	}
}

func TestActionStateAndAssessment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rel := createRelationship(t, srv, map[string]any{
		"name": "Lee", "tier": "warm", "open_loop": true, "last_interaction_at": "2025-01-01T12:00:00Z",
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relationships/"+rel.ID+"/actions", map[string]any{
		"actions": []map[string]any{{"title": "Send the deck"}},
	}, userHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create actions status %d: %s", res.StatusCode, string(data))
	}
	var created ScheduledActionList
	_ = json.Unmarshal(data, &created)
	actionID := created.Items[0].Action.ID

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/relationships/"+rel.ID+"/assessment", nil, userHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assessment status %d: %s", res.StatusCode, string(data))
	}
	var assessment AssessmentResponse
	_ = json.Unmarshal(data, &assessment)
	if assessment.Lane != "priority" || assessment.State == nil || assessment.State.PendingCount != 1 {
		t.Fatalf("unexpected assessment %+v", assessment)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/actions/"+actionID, map[string]any{"state": "sent"}, userHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/actions/"+actionID, map[string]any{"state": "archived"}, userHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=action.state_changed", nil, userHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventList
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].Payload["to"] != "sent" {
		t.Fatalf("unexpected events %+v", evts.Items)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/relationships", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	token, err := SignToken(testSecret, testUser, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/relationships", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, string(data))
	}
	bad, _ := SignToken("other-secret", testUser, time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/relationships", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d: %s", res.StatusCode, string(data))
	}

	key := "tl_test_key"
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{ID: "k1", UserID: testUser, KeyHash: repo.HashAPIKey(key)}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/relationships", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}

	rel := createRelationship(t, srv, map[string]any{"name": "Mine"})
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/relationships/"+rel.ID, nil, map[string]string{"X-User-Id": "intruder"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other user should not see relationship, got %d", res.StatusCode)
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("openapi not json: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v0/actions/next"]; !ok {
		t.Fatalf("openapi missing /v0/actions/next")
	}
}

func TestNurtureRunnerHonoursInterval(t *testing.T) {
	r := &nurtureRunner{last: map[string]time.Time{}}
	start := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	if !r.due("u", time.Hour, start) {
		t.Fatalf("first run should be due")
	}
	if r.due("u", time.Hour, start.Add(30*time.Minute)) {
		t.Fatalf("run inside interval should not be due")
	}
	if !r.due("u", time.Hour, start.Add(61*time.Minute)) {
		t.Fatalf("run after interval should be due")
	}
}
