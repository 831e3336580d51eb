/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package voicecall proxies call control to the external voice gateway. The
// proxy is stateless; the gateway owns call state and this service just
// forwards actions and relays the result.
package voicecall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Actions understood by the gateway.
const (
	ActionMakeCall  = "make_call"
	ActionEndCall   = "end_call"
	ActionGetStatus = "get_status"
)

var ErrInvalidAction = errors.New("invalid voice call action")

// Request is the action envelope forwarded to the gateway.
type Request struct {
	Action  string `json:"action"`
	To      string `json:"to,omitempty"`
	CallSid string `json:"callSid,omitempty"`
}

// Response mirrors the gateway's reply.
type Response struct {
	Success bool   `json:"success"`
	CallSid string `json:"callSid,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client forwards voice actions to the gateway endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewClient creates a voice gateway client.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		logger:  logger.With().Str("component", "voicecall").Logger(),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Validate checks the action envelope before it leaves this service.
func (r Request) Validate() error {
	switch r.Action {
	case ActionMakeCall:
		if r.To == "" {
			return fmt.Errorf("%w: make_call requires to", ErrInvalidAction)
		}
	case ActionEndCall, ActionGetStatus:
		if r.CallSid == "" {
			return fmt.Errorf("%w: %s requires callSid", ErrInvalidAction, r.Action)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, r.Action)
	}
	return nil
}

// Do forwards one action. Gateway-side failures come back inside the
// Response, not as an error; errors mean the forward itself failed.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("voice gateway: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("voice gateway returned %d: %s", resp.StatusCode, out.Error)
	}

	c.logger.Debug().
		Str("action", req.Action).
		Bool("success", out.Success).
		Str("call_sid", out.CallSid).
		Msg("voice action forwarded")
	return &out, nil
}
