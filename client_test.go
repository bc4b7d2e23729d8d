package drip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-test/deep"
)

func TestClientTrigger(t *testing.T) {
	want := RunSummary{RunID: "r1", Action: ActionFull, Day: "2024-06-01", Dispatched: 3, Deferred: 1}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/trigger" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("action") != "full" {
			t.Errorf("expected action=full, got %q", r.URL.Query().Get("action"))
		}
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("expected the api key as query param, got %q", r.URL.Query().Get("key"))
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	c := NewClient("secret", srv.URL)
	got, err := c.Trigger(context.Background(), ActionFull)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
}

func TestClientWebhook(t *testing.T) {
	var gotEvent WebhookEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhook/reply" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotEvent)
		_ = json.NewEncoder(w).Encode(map[string]bool{"applied": true})
	}))
	defer srv.Close()

	c := NewClient("", srv.URL)
	err := c.Webhook(context.Background(), WebhookEvent{EventID: "evt-1", Kind: WebhookReply, LeadID: "l1"})
	if err != nil {
		t.Fatal(err)
	}
	if gotEvent.EventID != "evt-1" || gotEvent.LeadID != "l1" {
		t.Errorf("event did not round trip, got %+v", gotEvent)
	}
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "a valid api key must be provided", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("wrong", srv.URL)
	_, err := c.Summary(context.Background())
	if err == nil {
		t.Fatal("expected an error on 401")
	}
}
