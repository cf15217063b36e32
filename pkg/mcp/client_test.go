package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeServer implements the /mcp and /health endpoints the client expects.
func fakeServer(t *testing.T, handler func(req Request) Response) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handler(req))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Ping(t *testing.T) {
	srv := fakeServer(t, func(Request) Response { return Response{} })
	client := NewClient(srv.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	bad := NewClient(srv.URL + "/missing")
	if err := bad.Ping(context.Background()); err == nil {
		t.Error("Ping against a missing endpoint should fail")
	}
}

func TestClient_ListTools(t *testing.T) {
	srv := fakeServer(t, func(req Request) Response {
		if req.Method != "tools/list" {
			t.Errorf("unexpected method: %s", req.Method)
		}
		return Response{Result: map[string]interface{}{
			"tools": []map[string]interface{}{
				{"name": "navigate", "description": "Open a URL"},
				{"name": "screenshot", "description": "Capture the page"},
			},
		}}
	})

	client := NewClient(srv.URL)
	list, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(list.Tools))
	}
	if list.Tools[0].Name != "navigate" {
		t.Errorf("unexpected tool name: %s", list.Tools[0].Name)
	}
}

func TestClient_CallTool(t *testing.T) {
	srv := fakeServer(t, func(req Request) Response {
		if req.Method != "tools/call" {
			t.Errorf("unexpected method: %s", req.Method)
		}
		if name, _ := req.Params["name"].(string); name != "navigate" {
			t.Errorf("unexpected tool: %v", req.Params["name"])
		}
		return Response{Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "navigated"},
			},
		}}
	})

	client := NewClient(srv.URL)
	result, err := client.CallTool(context.Background(), "navigate", map[string]interface{}{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0]["text"] != "navigated" {
		t.Errorf("unexpected result: %+v", result.Content)
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := fakeServer(t, func(Request) Response {
		return Response{Error: &Error{Code: -32601, Message: "method not found"}}
	})

	client := NewClient(srv.URL)
	if _, err := client.ListTools(context.Background()); err == nil {
		t.Error("server error should surface as an error")
	}
}
