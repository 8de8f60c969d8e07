package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snapetech/streamqc/internal/udi"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(baseURL string) *Client {
	return New(Config{BaseURL: baseURL, Username: "u", Password: "p", Timeout: 2 * time.Second}, 1000)
}

func TestLoginThenFetchChannels(t *testing.T) {
	var sawAuth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/accounts/token/":
			json.NewEncoder(w).Encode(map[string]string{"access": "tok123"})
		case r.URL.Path == "/api/channels/channels/":
			sawAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]any{
				"next": nil,
				"results": []map[string]any{
					{"id": 1, "name": "ESPN", "streams": []int{10, 11}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(srv.URL)
	channels, err := c.FetchChannels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 1 || channels[0].Name != "ESPN" {
		t.Fatalf("unexpected channels: %+v", channels)
	}
	if sawAuth != "Bearer tok123" {
		t.Fatalf("expected bearer token header, got %q", sawAuth)
	}
}

func TestFetchChannelsPaginates(t *testing.T) {
	page := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/accounts/token/":
			json.NewEncoder(w).Encode(map[string]string{"access": "tok"})
		case "/api/channels/channels/":
			page++
			if page == 1 {
				next := "/api/channels/channels/?page=2"
				json.NewEncoder(w).Encode(map[string]any{
					"next":    next,
					"results": []map[string]any{{"id": 1, "name": "A"}},
				})
			} else {
				json.NewEncoder(w).Encode(map[string]any{
					"next":    nil,
					"results": []map[string]any{{"id": 2, "name": "B"}},
				})
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(srv.URL)
	channels, err := c.FetchChannels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels across pages, got %d: %+v", len(channels), channels)
	}
}

func TestOn401RetriesAfterRelogin(t *testing.T) {
	tokenCalls := 0
	dataCalls := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/accounts/token/":
			tokenCalls++
			json.NewEncoder(w).Encode(map[string]string{"access": "tok"})
		case "/api/channels/channels/":
			dataCalls++
			if dataCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"next": nil, "results": []map[string]any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(srv.URL)
	if _, err := c.FetchChannels(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tokenCalls != 2 {
		t.Fatalf("expected one initial login plus one re-login after 401, got %d token calls", tokenCalls)
	}
	if dataCalls != 2 {
		t.Fatalf("expected the data call to be retried once after re-login, got %d", dataCalls)
	}
}

func TestPatchStreamStatsDropsEmptyFields(t *testing.T) {
	var gotBody map[string]any
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/accounts/token/":
			json.NewEncoder(w).Encode(map[string]string{"access": "tok"})
		default:
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusOK)
		}
	})
	c := newTestClient(srv.URL)
	err := c.PatchStreamStats(context.Background(), 5, udi.StreamStats{Resolution: "N/A", VideoCodec: "h264"})
	if err != nil {
		t.Fatal(err)
	}
	stats, _ := gotBody["stream_stats"].(map[string]any)
	if _, ok := stats["resolution"]; ok {
		t.Fatal("expected N/A resolution to be dropped from the PATCH body")
	}
	if stats["video_codec"] != "h264" {
		t.Fatalf("expected video_codec to survive, got %+v", stats)
	}
}
