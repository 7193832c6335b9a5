package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/replay"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port: 38888,
			Path: "/",
			Responses: []config.ImmediateResponseConfig{
				{Name: "create", Methods: []string{"post"}, Path: "/api/users", Status: 201, Body: `{"id":7}`,
					Headers: map[string]string{"Content-Type": "application/json"}},
			},
		},
		Web:    config.WebConfig{Enable: true, AdminPath: "/_rewind"},
		Output: config.OutputConfig{Silence: true},
	}
	if mutate != nil {
		mutate(cfg)
	}
	rec := newTestRecorder(t)
	engine := replay.New(rec, replay.Options{}, noopLogger{})

	srv := New(cfg, noopLogger{}, Dependencies{Recorder: rec, Engine: engine})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return srv, ts
}

func TestRouterCapturesHostTraffic(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/users", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || string(body) != `{"id":7}` {
		t.Fatalf("unexpected host response %d %q", resp.StatusCode, body)
	}
	srv.procWG.Wait()

	resp, err = http.Get(ts.URL + "/_rewind/exchanges")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var list struct {
		Count int `json:"count"`
		Data  []struct {
			Response struct {
				StatusCode int `json:"status_code"`
			} `json:"response"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 1 || list.Data[0].Response.StatusCode != http.StatusCreated {
		t.Fatalf("admin request should not be recorded and host request should: %+v", list)
	}
}

func TestRouterHonoursServerPath(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.Path = "/api/"
	})

	resp, err := http.Get(ts.URL + "/other")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 outside server path, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 inside server path, got %d", resp.StatusCode)
	}

	srv.procWG.Wait()
	if n := srv.deps.Recorder.Count(); n != 1 {
		t.Fatalf("expected only the in-path request recorded, got %d", n)
	}
}

func TestRouterWithoutAdminAPI(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Web.Enable = false
	})

	resp, err := http.Get(ts.URL + "/_rewind/exchanges")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("admin path should fall through to the host, got %d %q", resp.StatusCode, body)
	}
	srv.procWG.Wait()
}
