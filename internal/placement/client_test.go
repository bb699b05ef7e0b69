package placement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClient_PlaceSendsAuthAndParsesAck(t *testing.T) {
	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/calls" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"conversation_id":"conv-123","provider_state":"queued"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "api-key-1")
	ack, err := c.Place(context.Background(), Request{CallID: "call_phone_1", WorkspaceID: "w1", To: "+15550001111", Channel: "phone"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if gotAuth != "Bearer api-key-1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotReq.CallID != "call_phone_1" || gotReq.To != "+15550001111" {
		t.Fatalf("request body: %+v", gotReq)
	}
	if ack.ConversationID != "conv-123" {
		t.Fatalf("conversation id = %q", ack.ConversationID)
	}
	if len(ack.Raw) == 0 {
		t.Fatal("raw ack payload not retained")
	}
}

func TestHTTPClient_AsyncAckWithoutConversationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ack, err := NewHTTPClient(srv.URL, "k").Place(context.Background(), Request{CallID: "call_1", To: "x", Channel: "phone"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.ConversationID != "" {
		t.Fatalf("expected empty conversation id, got %q", ack.ConversationID)
	}
}

func TestHTTPClient_RejectionAndServerError(t *testing.T) {
	status := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k")
	if _, err := c.Place(context.Background(), Request{CallID: "call_1"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected on 4xx, got %v", err)
	}

	status = http.StatusBadGateway
	_, err := c.Place(context.Background(), Request{CallID: "call_1"})
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("expected non-rejection error on 5xx, got %v", err)
	}
}

func TestStubClient(t *testing.T) {
	s := &StubClient{ConversationIDFor: func(callID string) string { return "conv-" + callID }}
	ack, err := s.Place(context.Background(), Request{CallID: "c1"})
	if err != nil || ack.ConversationID != "conv-c1" {
		t.Fatalf("ack=%+v err=%v", ack, err)
	}

	s = &StubClient{Err: errors.New("down")}
	if _, err := s.Place(context.Background(), Request{CallID: "c1"}); err == nil {
		t.Fatal("expected forced error")
	}
}
