package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/safewalk/internal/log"
)

func newTestApp(store *MemoryStore) *fiber.App {
	app := fiber.New()
	svc := NewService(store, ServiceOptions{Logger: log.Discard(), AutoVerify: true})
	NewServer(svc).RegisterRoutes(app.Group("/api"))
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test(%s %s) error: %v", method, path, err)
	}
	return resp
}

func TestServerCreateAndGet(t *testing.T) {
	app := newTestApp(NewMemoryStore())

	resp := doJSON(t, app, "POST", "/api/help-requests", map[string]any{
		"requester_id": "alice",
		"location":     map[string]float64{"lat": 12.9, "lng": 77.58},
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("create status = %d, want %d", resp.StatusCode, fiber.StatusCreated)
	}

	var created HelpRequest
	json.NewDecoder(resp.Body).Decode(&created)
	if created.ID == "" || created.Status != StatusPending {
		t.Fatalf("created = %+v", created)
	}

	resp = doJSON(t, app, "GET", "/api/help-requests/"+created.ID, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var got HelpRequest
	json.NewDecoder(resp.Body).Decode(&got)
	if got.RequesterID != "alice" {
		t.Errorf("RequesterID = %q, want alice", got.RequesterID)
	}
}

func TestServerStatusCodes(t *testing.T) {
	store := NewMemoryStore()
	app := newTestApp(store)

	resp := doJSON(t, app, "POST", "/api/help-requests", map[string]any{
		"requester_id": "alice",
		"location":     map[string]float64{"lat": 12.9, "lng": 77.58},
	})
	var req HelpRequest
	json.NewDecoder(resp.Body).Decode(&req)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing location", "POST", "/api/help-requests", map[string]any{"requester_id": "bob"}, 400},
		{"bad coordinate", "POST", "/api/help-requests", map[string]any{"requester_id": "bob", "location": map[string]float64{"lat": 200}}, 400},
		{"unknown request", "GET", "/api/help-requests/nope", nil, 404},
		{"accept without helper", "POST", "/api/help-requests/" + req.ID + "/accept", map[string]any{}, 400},
		{"accept", "POST", "/api/help-requests/" + req.ID + "/accept", map[string]any{"helper_id": "h1"}, 200},
		{"accept again", "POST", "/api/help-requests/" + req.ID + "/accept", map[string]any{"helper_id": "h2"}, 409},
		{"cancel accepted", "POST", "/api/help-requests/" + req.ID + "/cancel", nil, 409},
		{"pending", "GET", "/api/help-requests/pending", nil, 200},
		{"volunteers", "GET", "/api/users/volunteers", nil, 200},
		{"location without role", "PUT", "/api/users/new/location", map[string]any{"location": map[string]float64{"lat": 1, "lng": 1}}, 400},
		{"location", "PUT", "/api/users/new/location", map[string]any{"location": map[string]float64{"lat": 1, "lng": 1}, "role": "helper"}, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, app, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestServerConflictBody(t *testing.T) {
	app := newTestApp(NewMemoryStore())

	resp := doJSON(t, app, "POST", "/api/help-requests", map[string]any{
		"requester_id": "alice",
		"location":     map[string]float64{"lat": 12.9, "lng": 77.58},
	})
	var req HelpRequest
	json.NewDecoder(resp.Body).Decode(&req)

	doJSON(t, app, "POST", "/api/help-requests/"+req.ID+"/accept", map[string]any{"helper_id": "h1"})
	resp = doJSON(t, app, "POST", "/api/help-requests/"+req.ID+"/accept", map[string]any{"helper_id": "h2"})

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] == "" {
		t.Error("conflict response has no error message")
	}
}
