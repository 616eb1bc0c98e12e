package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streamrelay/internal/auth"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/relay"
)

type scriptedOrchestrator struct {
	lastRoom int64
	lastURL  string
	lastArgs []string
	status   relay.RoomStatus
}

func (o *scriptedOrchestrator) StartSession(ctx context.Context, roomID int64, sourceURL string) (string, error) {
	o.lastRoom, o.lastURL = roomID, sourceURL
	return "relay started.", nil
}

func (o *scriptedOrchestrator) EndSession(ctx context.Context, roomID int64) (string, error) {
	o.lastRoom = roomID
	return "relay ended.", nil
}

func (o *scriptedOrchestrator) SetCredential(ctx context.Context, roomID int64, credential string) (string, error) {
	o.lastRoom = roomID
	return "push credential saved.", nil
}

func (o *scriptedOrchestrator) SetTransport(ctx context.Context, roomID int64, transport relay.Transport) (string, error) {
	if !transport.Valid() {
		return "", errUnsupportedTransport
	}
	return "transport set to " + string(transport) + ".", nil
}

func (o *scriptedOrchestrator) SetArguments(ctx context.Context, roomID int64, args []string) (string, error) {
	o.lastRoom, o.lastArgs = roomID, args
	return "pull arguments saved.", nil
}

func (o *scriptedOrchestrator) SetNiconicoSession(ctx context.Context, roomID int64, session string) (string, error) {
	return o.SetArguments(ctx, roomID, []string{"--niconico-user-session", session})
}

func (o *scriptedOrchestrator) ClearArguments(ctx context.Context, roomID int64) (string, error) {
	o.lastRoom = roomID
	return "pull arguments cleared.", nil
}

func (o *scriptedOrchestrator) Status(ctx context.Context, roomID int64) relay.RoomStatus {
	return o.status
}

var errUnsupportedTransport = &unsupportedTransportError{}

type unsupportedTransportError struct{}

func (*unsupportedTransportError) Error() string { return "unsupported transport" }

func newTestServer(t *testing.T, orch Orchestrator, token string) (*httptest.Server, *auth.Store) {
	t.Helper()
	users, err := auth.NewStore("", "s3cret")
	if err != nil {
		t.Fatalf("auth store: %v", err)
	}
	srv := NewServer(Config{
		Orchestrator: orch,
		Users:        users,
		BearerToken:  token,
		Recorder:     metrics.New(),
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, users
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	out := make(map[string]string)
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthzIsOpen(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedOrchestrator{}, "tok")
	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestBearerTokenGuardsV1(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedOrchestrator{}, "tok")

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/users", "", `{"secret":"s3cret","userId":1}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/users", "tok", `{"secret":"s3cret","userId":1}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d", resp.StatusCode)
	}
}

func TestRegisterUserRejectsWrongSecret(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedOrchestrator{}, "")
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/users", "", `{"secret":"guess","userId":1}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStartSessionRequiresRegistration(t *testing.T) {
	orch := &scriptedOrchestrator{}
	ts, users := newTestServer(t, orch, "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", "", `{"userId":5,"url":"https://example.com/live"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unregistered user, got %d", resp.StatusCode)
	}

	if err := users.Register("s3cret", 5); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", "", `{"userId":5,"url":"https://example.com/live"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "relay started." {
		t.Fatalf("unexpected body %v", body)
	}
	if orch.lastRoom != 5 || orch.lastURL != "https://example.com/live" {
		t.Fatalf("orchestrator saw room=%d url=%q", orch.lastRoom, orch.lastURL)
	}
}

func TestStartSessionRequiresURL(t *testing.T) {
	ts, users := newTestServer(t, &scriptedOrchestrator{}, "")
	if err := users.Register("s3cret", 5); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", "", `{"userId":5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEndSessionRoute(t *testing.T) {
	orch := &scriptedOrchestrator{}
	ts, users := newTestServer(t, orch, "")
	if err := users.Register("s3cret", 5); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp := doJSON(t, http.MethodDelete, ts.URL+"/v1/sessions/5", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "relay ended." {
		t.Fatalf("unexpected body %v", body)
	}
	if orch.lastRoom != 5 {
		t.Fatalf("orchestrator saw room %d", orch.lastRoom)
	}
}

func TestRoomStatusRoute(t *testing.T) {
	orch := &scriptedOrchestrator{status: relay.RoomStatus{Configured: true, CredentialSet: true, Transport: relay.TransportSRT, Live: true}}
	ts, users := newTestServer(t, orch, "")
	if err := users.Register("s3cret", 9); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/rooms/9", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status relay.RoomStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Configured || !status.Live || status.Transport != relay.TransportSRT {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestCredentialRouteWithTransport(t *testing.T) {
	ts, users := newTestServer(t, &scriptedOrchestrator{}, "")
	if err := users.Register("s3cret", 9); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := doJSON(t, http.MethodPut, ts.URL+"/v1/rooms/9/credential", "", `{"credential":"key","transport":"srt"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if !strings.Contains(body["message"], "push credential saved.") || !strings.Contains(body["message"], "srt") {
		t.Fatalf("unexpected body %v", body)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/v1/rooms/9/credential", "", `{"credential":"key","transport":"udp"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad transport, got %d", resp.StatusCode)
	}
}

func TestArgumentsRoutes(t *testing.T) {
	orch := &scriptedOrchestrator{}
	ts, users := newTestServer(t, orch, "")
	if err := users.Register("s3cret", 9); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := doJSON(t, http.MethodPut, ts.URL+"/v1/rooms/9/arguments", "", `{"args":["--retry","3"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(orch.lastArgs) != 2 || orch.lastArgs[0] != "--retry" {
		t.Fatalf("orchestrator saw args %v", orch.lastArgs)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/v1/rooms/9/arguments", "", `{"preset":"niconico","session":"cookie"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for preset, got %d", resp.StatusCode)
	}
	if len(orch.lastArgs) != 2 || orch.lastArgs[0] != "--niconico-user-session" {
		t.Fatalf("preset args %v", orch.lastArgs)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/v1/rooms/9/arguments", "", `{"preset":"niconico"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for preset without session, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/rooms/9/arguments", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for clear, got %d", resp.StatusCode)
	}
}

func TestInvalidRoomID(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedOrchestrator{}, "")
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/rooms/abc", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedOrchestrator{}, "")
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/unknown", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
