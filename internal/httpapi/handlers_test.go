package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voice-relay/internal/auth"
	"voice-relay/internal/calls"
	"voice-relay/internal/config"
	"voice-relay/internal/placement"
	"voice-relay/internal/reporting"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	calls  *calls.Service
}

// identityMW injects an authenticated identity without going through JWT
// verification; the auth package covers that path.
func identityMW(userID, workspaceID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, workspaceID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func newFixture(t *testing.T, workspaceID string) *fixture {
	t.Helper()
	repo := calls.NewMemoryRepo()
	stub := &placement.StubClient{ConversationIDFor: func(callID string) string { return "conv-" + callID }}
	svc := calls.NewService(repo, calls.NewCountSequencer(repo), calls.ServiceConfig{Placer: stub})

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	h := Handlers{Auth: m, Calls: svc, Reporting: reporting.NewService(repo)}
	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	v1 := r.Group("/v1", identityMW("u1", workspaceID, "owner"))
	v1.POST("/calls/start", h.StartCall)
	v1.GET("/calls/:id", h.GetCall)
	v1.GET("/calls/:id/transcript", h.GetTranscript)
	v1.GET("/reports/calls/summary", h.CallsSummary)

	return &fixture{router: r, calls: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestLogin_IssuesTokenPair(t *testing.T) {
	f := newFixture(t, "w1")
	w := f.do(t, http.MethodPost, "/v1/auth/login", gin.H{"user_id": "u1", "workspace_id": "w1", "role": "owner"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
}

func TestLogin_RequiresFields(t *testing.T) {
	f := newFixture(t, "w1")
	if w := f.do(t, http.MethodPost, "/v1/auth/login", gin.H{"user_id": "u1"}); w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestStartCall_CreatesAndReturnsCall(t *testing.T) {
	f := newFixture(t, "w1")
	w := f.do(t, http.MethodPost, "/v1/calls/start", gin.H{"channel": "phone", "to": "+15550001111"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var got calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.WorkspaceID != "w1" || got.Status != calls.CallStatusInProgress {
		t.Fatalf("unexpected call: %+v", got)
	}
	if got.ConversationID == "" {
		t.Fatal("stub acknowledgment not linked")
	}
}

func TestStartCall_RejectsMissingChannel(t *testing.T) {
	f := newFixture(t, "w1")
	if w := f.do(t, http.MethodPost, "/v1/calls/start", gin.H{"to": "+15550001111"}); w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestGetCall_ResolvesEitherIdentifier(t *testing.T) {
	f := newFixture(t, "w1")
	c, err := f.calls.StartCall(context.Background(), calls.StartCallRequest{WorkspaceID: "w1", Channel: "phone", To: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, tc := range []struct {
		id   string
		want string
	}{
		{c.CallID, "call_id"},
		{c.ConversationID, "conversation_id"},
	} {
		w := f.do(t, http.MethodGet, "/v1/calls/"+tc.id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get %s: status %d", tc.id, w.Code)
		}
		var resp struct {
			Call       calls.Call `json:"call"`
			ResolvedBy string     `json:"resolved_by"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Call.CallID != c.CallID || resp.ResolvedBy != tc.want {
			t.Fatalf("get %s: call=%q resolved_by=%q", tc.id, resp.Call.CallID, resp.ResolvedBy)
		}
	}
}

func TestGetCall_WorkspaceIsolation(t *testing.T) {
	f := newFixture(t, "w2")
	c, err := f.calls.StartCall(context.Background(), calls.StartCallRequest{WorkspaceID: "w1", Channel: "phone", To: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Authenticated as w2; the w1 call must look nonexistent.
	if w := f.do(t, http.MethodGet, "/v1/calls/"+c.CallID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestGetTranscript_ReturnsOrderedTurns(t *testing.T) {
	f := newFixture(t, "w1")
	c, err := f.calls.StartCall(context.Background(), calls.StartCallRequest{WorkspaceID: "w1", Channel: "phone", To: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, text := range []string{"hi", "hello"} {
		if _, _, err := f.calls.AppendTurn(context.Background(), calls.TurnRequest{CallID: c.CallID, Speaker: calls.SpeakerUser, Text: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	w := f.do(t, http.MethodGet, "/v1/calls/"+c.CallID+"/transcript", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		CallID         string                `json:"call_id"`
		Transcriptions []calls.Transcription `json:"transcriptions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Transcriptions) != 2 || resp.Transcriptions[0].SequenceNumber != 1 {
		t.Fatalf("unexpected transcript: %+v", resp.Transcriptions)
	}
}

func TestCallsSummary_ValidatesRange(t *testing.T) {
	f := newFixture(t, "w1")
	if w := f.do(t, http.MethodGet, "/v1/reports/calls/summary", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	w := f.do(t, http.MethodGet, "/v1/reports/calls/summary?from=2023-11-14T00:00:00Z&to=2023-11-15T00:00:00Z", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}
