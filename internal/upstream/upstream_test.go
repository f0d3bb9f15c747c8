package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/gebo/internal/apperr"
)

func TestAuthorityScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/score" {
			t.Errorf("path = %q, want /score", r.URL.Path)
		}
		if got := r.URL.Query().Get("domain"); got != "x.dev" {
			t.Errorf("domain = %q, want x.dev", got)
		}
		json.NewEncoder(w).Encode(map[string]float64{"score": 42.5})
	}))
	defer srv.Close()

	c := NewAuthorityClient(srv.URL, time.Second)
	score, err := c.Score(context.Background(), "x.dev")
	if err != nil {
		t.Fatal(err)
	}
	if score != 42.5 {
		t.Errorf("score = %v, want 42.5", score)
	}
}

func TestAuthorityFailureModes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
		{"missing score", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := NewAuthorityClient(srv.URL, time.Second)
			if _, err := c.Score(context.Background(), "x.dev"); !errors.Is(err, apperr.ErrUpstream) {
				t.Errorf("expected ErrUpstream, got %v", err)
			}
		})
	}
}

func TestAuthorityUnreachable(t *testing.T) {
	c := NewAuthorityClient("http://127.0.0.1:1", time.Second)
	if _, err := c.Score(context.Background(), "x.dev"); !errors.Is(err, apperr.ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/classify" {
			t.Errorf("%s %s, want POST /classify", r.Method, r.URL.Path)
		}
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.URL != "https://x.dev/page" {
			t.Errorf("url = %q", req.URL)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"categories": []string{"crypto", "fintech"},
			"blocked":    false,
		})
	}))
	defer srv.Close()

	c := NewClassifierClient(srv.URL, time.Second)
	cats, blocked, err := c.Classify(context.Background(), "https://x.dev/page")
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("unexpected blocked flag")
	}
	if len(cats) != 2 || cats[0] != "crypto" {
		t.Errorf("categories = %v", cats)
	}
}

func TestClassifyBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"categories": []string{"gambling"}, "blocked": true})
	}))
	defer srv.Close()

	c := NewClassifierClient(srv.URL, time.Second)
	_, blocked, err := c.Classify(context.Background(), "https://x.dev/casino")
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Error("expected blocked flag")
	}
}

func TestVerifyOwnership(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Domain string `json:"domain"`
			Proof  string `json:"proof"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]bool{"verified": req.Proof == "good-token"})
	}))
	defer srv.Close()

	c := NewOwnershipClient(srv.URL, time.Second)
	ok, err := c.VerifyOwnership(context.Background(), "x.dev", "good-token")
	if err != nil || !ok {
		t.Fatalf("good token: ok=%v err=%v", ok, err)
	}
	ok, err = c.VerifyOwnership(context.Background(), "x.dev", "bad-token")
	if err != nil || ok {
		t.Fatalf("bad token: ok=%v err=%v", ok, err)
	}
}

func TestCheckLinkFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a href="/relative">rel</a>
			<a href="https://other.example/">other</a>
			<a href="https://www.y.dev/landing">target</a>
		</body></html>`))
	}))
	defer srv.Close()

	c := NewLinkCheckClient(time.Second)
	present, diag, err := c.CheckLink(context.Background(), srv.URL, "y.dev")
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatalf("link not detected: %s", diag)
	}
}

func TestCheckLinkSubdomainCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="https://blog.y.dev/post">post</a>`))
	}))
	defer srv.Close()

	c := NewLinkCheckClient(time.Second)
	present, _, err := c.CheckLink(context.Background(), srv.URL, "y.dev")
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Error("subdomain link should count as targeting the domain")
	}
}

func TestCheckLinkAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a href="https://unrelated.example/">nope</a>
			<a href="https://noty.dev.evil.example/">lookalike</a>
		</body></html>`))
	}))
	defer srv.Close()

	c := NewLinkCheckClient(time.Second)
	present, diag, err := c.CheckLink(context.Background(), srv.URL, "y.dev")
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("no real anchor to y.dev on the page")
	}
	if diag == "" {
		t.Error("absence must carry a diagnostic")
	}
}

func TestCheckLinkUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewLinkCheckClient(time.Second)
	if _, _, err := c.CheckLink(context.Background(), srv.URL, "y.dev"); !errors.Is(err, apperr.ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}
