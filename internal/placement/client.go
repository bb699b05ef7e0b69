package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client places outbound calls with the external calling provider.
//
// The provider correlates everything it sends back (turn and completion
// webhooks) by the conversation id it assigns. Some deployments return that id
// on the synchronous acknowledgment; others deliver it only out of band, so an
// empty ConversationID in the Ack is not an error.

type Request struct {
	CallID      string          `json:"call_id"`
	WorkspaceID string          `json:"workspace_id"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to"`
	Channel     string          `json:"channel"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type Ack struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

type Client interface {
	Name() string
	Place(ctx context.Context, req Request) (Ack, error)
}

var ErrRejected = errors.New("placement: provider rejected the call")

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) Name() string { return "http" }

func (c *HTTPClient) Place(ctx context.Context, req Request) (Ack, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Ack{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ack{}, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Ack{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return Ack{}, fmt.Errorf("placement: provider error, status %d", resp.StatusCode)
	}

	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return Ack{}, fmt.Errorf("placement: bad ack payload: %w", err)
	}
	ack.Raw = raw
	return ack, nil
}

// StubClient acknowledges every call without touching the network.
// Used in local/dev environments and tests.
type StubClient struct {
	// ConversationIDFor lets tests control the acknowledged id. When nil the
	// ack carries no conversation id, mimicking a fully asynchronous provider.
	ConversationIDFor func(callID string) string

	// Err forces placement failures.
	Err error
}

func (s *StubClient) Name() string { return "stub" }

func (s *StubClient) Place(ctx context.Context, req Request) (Ack, error) {
	if s.Err != nil {
		return Ack{}, s.Err
	}
	var conv string
	if s.ConversationIDFor != nil {
		conv = s.ConversationIDFor(req.CallID)
	}
	return Ack{ConversationID: conv}, nil
}
