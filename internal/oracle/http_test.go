package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMissingURL(t *testing.T) {
	feed := NewHTTP(HTTPOptions{}, noopLogger())
	if _, err := feed.LatestReading(context.Background()); err == nil {
		t.Fatal("missing url must fail")
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "maintenance"})
	}))
	defer srv.Close()

	feed := NewHTTP(HTTPOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := feed.LatestReading(context.Background()); err == nil {
		t.Fatal("HTTP 503 must fail")
	}
}

func TestHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price":      "108250000",
			"decimals":   8,
			"updated_at": 1767225600,
		})
	}))
	defer srv.Close()

	feed := NewHTTP(HTTPOptions{URL: srv.URL, Timeout: time.Second, UserAgent: "test"}, noopLogger())
	reading, err := feed.LatestReading(context.Background())
	if err != nil {
		t.Fatalf("successful response must not fail: %v", err)
	}
	if reading.Value.Int64() != 108250000 {
		t.Fatalf("unexpected price %s", reading.Value)
	}
	if reading.ObservedAt.Unix() != 1767225600 {
		t.Fatalf("unexpected observedAt %s", reading.ObservedAt)
	}
}

func TestHTTPRejectsGarbagePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"price": "1.5", "decimals": 8, "updated_at": 1})
	}))
	defer srv.Close()

	feed := NewHTTP(HTTPOptions{URL: srv.URL}, noopLogger())
	if _, err := feed.LatestReading(context.Background()); err == nil {
		t.Fatal("non-integer price must fail")
	}
}
