package voicecall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestClient_ForwardsMakeCall(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gw-token" {
			t.Fatalf("missing gateway token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(Response{Success: true, CallSid: "CA123", Status: "queued"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gw-token", zerolog.Nop())
	resp, err := c.Do(context.Background(), Request{Action: ActionMakeCall, To: "+15550100"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Success || resp.CallSid != "CA123" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.Action != ActionMakeCall || got.To != "+15550100" {
		t.Fatalf("forwarded request %+v", got)
	}
}

func TestClient_GatewayFailureInsideResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(Response{Success: false, Error: "call not found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", zerolog.Nop())
	resp, err := c.Do(context.Background(), Request{Action: ActionEndCall, CallSid: "CA404"})
	if err != nil {
		t.Fatalf("4xx must surface in the response, not as an error: %v", err)
	}
	if resp.Success || resp.Error != "call not found" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestClient_GatewayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(Response{Success: false, Error: "upstream down"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", zerolog.Nop())
	if _, err := c.Do(context.Background(), Request{Action: ActionGetStatus, CallSid: "CA1"}); err == nil {
		t.Fatal("expected error for gateway 5xx")
	}
}

func TestRequest_Validate(t *testing.T) {
	cases := []Request{
		{Action: "transfer_call"},
		{Action: ActionMakeCall},
		{Action: ActionEndCall},
		{Action: ActionGetStatus},
	}
	for _, req := range cases {
		if err := req.Validate(); !errors.Is(err, ErrInvalidAction) {
			t.Fatalf("%+v: expected ErrInvalidAction, got %v", req, err)
		}
	}

	c := NewClient("http://unused", "", zerolog.Nop())
	if _, err := c.Do(context.Background(), Request{Action: "transfer_call"}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("Do must validate before forwarding, got %v", err)
	}
}
