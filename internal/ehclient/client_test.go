package ehclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/spider/internal/logging"
)

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Content-Length", "5")
			w.Write([]byte("hello"))
		case "/missing":
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-agent", Logger: logging.Discard()})

	t.Run("ok", func(t *testing.T) {
		resp, err := c.Fetch(context.Background(), srv.URL+"/ok")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "hello" {
			t.Errorf("expected hello, got %q", body)
		}
		if resp.ContentLength != 5 || resp.ContentType != "image/png" {
			t.Errorf("unexpected response meta %+v", resp)
		}
	})

	t.Run("status error", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), srv.URL+"/missing")
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("expected StatusError, got %v", err)
		}
		if se.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", se.StatusCode)
		}
	})

	t.Run("read text", func(t *testing.T) {
		text, err := ReadText(context.Background(), c, srv.URL+"/ok")
		if err != nil {
			t.Fatalf("ReadText: %v", err)
		}
		if text != "hello" {
			t.Errorf("expected hello, got %q", text)
		}
	})
}

func TestClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BreakerFailures: 2, BreakerTimeout: time.Minute, Logger: logging.Discard()})

	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background(), srv.URL); err == nil {
			t.Fatal("expected error from 503")
		}
	}

	_, err := c.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests to reach the host, got %d", hits.Load())
	}
}

func TestClient_NotFoundDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(Config{BreakerFailures: 1, Logger: logging.Discard()})
	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), srv.URL)
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("4xx should not open the breaker (attempt %d)", i)
		}
	}
}

func TestClient_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(Config{RequestsPerSecond: 1, Burst: 1, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Fetch(ctx, srv.URL); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestURLs(t *testing.T) {
	u := NewURLs("https://h.test/")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"detail first batch", u.Detail(42, "abc", 0), "https://h.test/g/42/abc/"},
		{"detail later batch", u.Detail(42, "abc", 3), "https://h.test/g/42/abc/?p=3"},
		{"page", u.Page(42, 0, "ptok", ""), "https://h.test/s/ptok/42-1"},
		{"page with skip key", u.Page(42, 9, "ptok", "12-345"), "https://h.test/s/ptok/42-10?nl=12-345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}
