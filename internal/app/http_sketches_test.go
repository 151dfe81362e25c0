package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sketchsync/api/internal/store"
)

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			payload.WriteString(raw)
		} else if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("%s %s: failed to parse response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr, response
}

func tokenFor(t *testing.T, f *fixture, uid, role string) string {
	t.Helper()
	token, _, err := f.svc.verifier.Issue(uid, uid, "#123456", role)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func TestLoginOverHTTP(t *testing.T) {
	f := newFixture()
	server := newTestServer(f)

	rr, body := doJSON(t, server, http.MethodPost, "/api/session/login", "", map[string]any{"name": "Ada", "role": "editor"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %v", rr.Code, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login returned no token: %v", body)
	}

	rr, body = doJSON(t, server, http.MethodGet, "/api/session", token, nil)
	if rr.Code != http.StatusOK || body["authenticated"] != true || body["userName"] != "Ada" {
		t.Fatalf("session = %d %v", rr.Code, body)
	}

	_, body = doJSON(t, server, http.MethodGet, "/api/session", "", nil)
	if body["authenticated"] != false {
		t.Fatalf("anonymous session = %v", body)
	}
}

func TestLoginRejectsInvalidBody(t *testing.T) {
	server := newTestServer(newFixture())

	rr, body := doJSON(t, server, http.MethodPost, "/api/session/login", "", "{not json")
	if rr.Code != http.StatusBadRequest || body["code"] != "INVALID_BODY" {
		t.Fatalf("invalid body = %d %v", rr.Code, body)
	}
}

func TestSketchRoutesRequireToken(t *testing.T) {
	server := newTestServer(newFixture(store.Sketch{ID: "s1", Name: "Plan", OwnerID: "u1"}))

	for _, path := range []string{"/api/sketches", "/api/sketches/s1", "/api/sketches/s1/commands"} {
		rr, body := doJSON(t, server, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
			t.Fatalf("GET %s without token = %d %v", path, rr.Code, body)
		}
	}

	rr, _ := doJSON(t, server, http.MethodGet, "/api/sketches", "garbage", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("GET with bad token = %d", rr.Code)
	}
}

func TestSketchLifecycleOverHTTP(t *testing.T) {
	f := newFixture()
	server := newTestServer(f)
	token := tokenFor(t, f, "u1", "editor")

	rr, body := doJSON(t, server, http.MethodPost, "/api/sketches", token, map[string]any{"name": "Floor plan", "color": "#0af"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %v", rr.Code, body)
	}
	sketch, _ := body["sketch"].(map[string]any)
	id, _ := sketch["id"].(string)
	if id == "" || sketch["role"] != "owner" {
		t.Fatalf("created sketch = %v", sketch)
	}

	rr, body = doJSON(t, server, http.MethodGet, "/api/sketches/"+id, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get = %d %v", rr.Code, body)
	}
	if got := body["sketch"].(map[string]any); got["name"] != "Floor plan" || got["live"] != false {
		t.Fatalf("get sketch = %v", got)
	}

	rr, body = doJSON(t, server, http.MethodPatch, "/api/sketches/"+id, token, map[string]any{"name": "Ground floor", "zoom": 2.5})
	if rr.Code != http.StatusOK {
		t.Fatalf("patch = %d %v", rr.Code, body)
	}
	if got := body["sketch"].(map[string]any); got["name"] != "Ground floor" || got["zoom"] != 2.5 {
		t.Fatalf("patched sketch = %v", got)
	}

	rr, body = doJSON(t, server, http.MethodGet, "/api/sketches", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d %v", rr.Code, body)
	}
	if list, _ := body["sketches"].([]any); len(list) != 1 {
		t.Fatalf("list = %v", body)
	}

	rr, body = doJSON(t, server, http.MethodDelete, "/api/sketches/"+id, token, nil)
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("delete = %d %v", rr.Code, body)
	}

	rr, body = doJSON(t, server, http.MethodGet, "/api/sketches/"+id, token, nil)
	if rr.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("get after delete = %d %v", rr.Code, body)
	}
}

func TestViewerCannotCreateOrRename(t *testing.T) {
	f := newFixture(store.Sketch{ID: "s1", Name: "Plan", OwnerID: "u1"})
	server := newTestServer(f)
	token := tokenFor(t, f, "u2", "viewer")

	rr, body := doJSON(t, server, http.MethodPost, "/api/sketches", token, map[string]any{"name": "Mine"})
	if rr.Code != http.StatusForbidden || body["code"] != "FORBIDDEN" {
		t.Fatalf("viewer create = %d %v", rr.Code, body)
	}

	rr, body = doJSON(t, server, http.MethodPatch, "/api/sketches/s1", token, map[string]any{"name": "Theirs"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer rename = %d %v", rr.Code, body)
	}

	rr, _ = doJSON(t, server, http.MethodGet, "/api/sketches/s1", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("viewer get = %d", rr.Code)
	}
}

func TestCommandsAndBranchOverHTTP(t *testing.T) {
	f := newFixture(store.Sketch{ID: "src", Name: "Plan", OwnerID: "u1"})
	f.rooms.logs["src"] = sampleCommands(t, 4)
	server := newTestServer(f)
	token := tokenFor(t, f, "u1", "editor")

	rr, body := doJSON(t, server, http.MethodGet, "/api/sketches/src/commands", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("commands = %d %v", rr.Code, body)
	}
	if body["count"] != 4.0 || body["sketchId"] != "src" {
		t.Fatalf("commands payload = %v", body)
	}

	rr, body = doJSON(t, server, http.MethodPost, "/api/sketches/src/branch", token, map[string]any{"name": "Idea", "position": 1})
	if rr.Code != http.StatusCreated {
		t.Fatalf("branch = %d %v", rr.Code, body)
	}
	branch := body["sketch"].(map[string]any)
	if branch["name"] != "Idea" || branch["branchedFrom"] != "src" || branch["branchedAt"] != 1.0 {
		t.Fatalf("branch = %v", branch)
	}
	if got := f.logs.flushed[branch["id"].(string)]; len(got) != 1 {
		t.Fatalf("branch log = %d commands, want 1", len(got))
	}

	rr, body = doJSON(t, server, http.MethodPost, "/api/sketches/missing/branch", token, map[string]any{})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("branch of missing sketch = %d %v", rr.Code, body)
	}
}

func TestSearchQueryOverHTTP(t *testing.T) {
	f := newFixture(
		store.Sketch{ID: "s1", Name: "Floor plan", OwnerID: "u1"},
		store.Sketch{ID: "s2", Name: "Logo", OwnerID: "u1"},
	)
	server := newTestServer(f)
	token := tokenFor(t, f, "u1", "editor")

	rr, body := doJSON(t, server, http.MethodGet, "/api/sketches?q=plan", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search = %d %v", rr.Code, body)
	}
	results, _ := body["results"].([]any)
	if len(results) != 1 || body["query"] != "plan" {
		t.Fatalf("search payload = %v", body)
	}
	if hit := results[0].(map[string]any); hit["id"] != "s1" {
		t.Fatalf("search hit = %v", hit)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	server := newTestServer(newFixture())

	rr, body := doJSON(t, server, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("unknown route = %d %v", rr.Code, body)
	}

	rr, body = doJSON(t, server, http.MethodPut, "/api/sketches", "", nil)
	if rr.Code != http.StatusMethodNotAllowed || body["code"] != "METHOD_NOT_ALLOWED" {
		t.Fatalf("wrong method = %d %v", rr.Code, body)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture()
	server := newTestServer(f)
	token := tokenFor(t, f, "u1", "editor")

	rr, body := doJSON(t, server, http.MethodDelete, "/api/session", token, nil)
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("logout = %d %v", rr.Code, body)
	}

	rr, _ = doJSON(t, server, http.MethodGet, "/api/sketches", token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token still accepted: %d", rr.Code)
	}
	_, body = doJSON(t, server, http.MethodGet, "/api/session", token, nil)
	if body["authenticated"] != false {
		t.Fatalf("revoked session = %v", body)
	}

	other := tokenFor(t, f, "u1", "editor")
	if rr, _ := doJSON(t, server, http.MethodGet, "/api/sketches", other, nil); rr.Code != http.StatusOK {
		t.Fatalf("other token rejected: %d", rr.Code)
	}
}
