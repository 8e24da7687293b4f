package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func largePurchase() Notification {
	return Notification{
		Kind:      KindLargePurchase,
		At:        time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Asset:     "ETH",
		Stage:     4,
		Quantity:  decimal.NewFromInt(250000),
		Amount:    decimal.RequireFromString("43.75"),
		UnitPrice: decimal.RequireFromString("0.55"),
		Account:   "0x00000000000000000000000000000000000000c0",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), largePurchase()); err != nil {
		t.Fatalf("telegram notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "Large purchase") {
		t.Fatalf("unexpected text: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), largePurchase()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), largePurchase()); err == nil {
		t.Fatal("502 should fail")
	}
}

func TestRenderMessage(t *testing.T) {
	msg := renderMessage(largePurchase())
	for _, want := range []string{"Stage: 5 @ 0.55", "Quantity: 250000", "Amount: 43.75 ETH", "2026-03-02T12:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}

	stale := renderMessage(Notification{Kind: KindOracleStale, Asset: "EUR", AdditionalMsg: "age 2h"})
	if !strings.Contains(stale, "Oracle stale") || strings.Contains(stale, "Quantity") {
		t.Fatalf("unexpected stale message:\n%s", stale)
	}
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

func TestMultiNotifiesAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	first := &recordingNotifier{err: boom}
	second := &recordingNotifier{}

	err := Multi{first, second, NewLogNotifier(testLogger())}.Notify(context.Background(), largePurchase())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(first.notes) != 1 || len(second.notes) != 1 {
		t.Fatalf("every notifier should be called")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
