package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func tok(n int) string { return fmt.Sprintf("ExponentPushToken[%d]", n) }

func TestIsPushToken(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"ExponentPushToken[abc]", true},
		{"ExpoPushToken[abc]", true},
		{"ExponentPushToken[]", false},
		{"abc", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPushToken(tt.token); got != tt.want {
			t.Errorf("IsPushToken(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func TestSendPartitionsTickets(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var msgs []wireMessage
		if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if msgs[0].RichContent == nil || msgs[0].RichContent.Image != "https://img" {
			t.Errorf("richContent = %+v", msgs[0].RichContent)
		}
		w.Write([]byte(`{"data":[
			{"status":"ok","id":"t1"},
			{"status":"error","message":"gone","details":{"error":"DeviceNotRegistered"}},
			{"status":"error","message":"slow down","details":{"error":"MessageRateExceeded"}}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, AccessToken: "secret"})
	report, err := c.Send(context.Background(), []Message{
		{To: tok(1), Title: "hi", ImageURL: "https://img"},
		{To: tok(2)},
		{To: tok(3)},
		{To: "not-a-token"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if len(report.Delivered) != 1 || report.Delivered[0] != tok(1) {
		t.Errorf("Delivered = %v", report.Delivered)
	}
	if len(report.Invalid) != 2 {
		t.Errorf("Invalid = %v, want malformed and unregistered", report.Invalid)
	}
	if len(report.Failed) != 1 || report.Failed[0] != tok(3) {
		t.Errorf("Failed = %v", report.Failed)
	}
}

func TestSendChunks(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var msgs []wireMessage
		json.NewDecoder(r.Body).Decode(&msgs)
		if len(msgs) > maxChunk {
			t.Errorf("chunk size = %d", len(msgs))
		}
		resp := sendResponse{}
		for range msgs {
			resp.Data = append(resp.Data, ticket{Status: "ok"})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	msgs := make([]Message, 250)
	for i := range msgs {
		msgs[i] = Message{To: tok(i)}
	}
	report, err := NewClient(Config{Endpoint: srv.URL}).Send(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 || len(report.Delivered) != 250 {
		t.Errorf("calls = %d delivered = %d, want 3 and 250", calls.Load(), len(report.Delivered))
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusBadGateway, ``, true},
		{"throttled", http.StatusTooManyRequests, ``, true},
		{"request errors", http.StatusOK, `{"errors":[{"code":"INTERNAL","message":"x"}]}`, true},
		{"bad request", http.StatusBadRequest, `{"errors":[]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(Config{Endpoint: srv.URL}).Send(context.Background(), []Message{{To: tok(1)}})
			if err == nil {
				t.Fatal("Send() error = nil")
			}
			if got := errors.Is(err, ErrTransient); got != tt.transient {
				t.Errorf("errors.Is(ErrTransient) = %v, want %v (%v)", got, tt.transient, err)
			}
		})
	}
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(Config{Endpoint: url}).Send(context.Background(), []Message{{To: tok(1)}})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("Send() error = %v, want ErrTransient", err)
	}
}
