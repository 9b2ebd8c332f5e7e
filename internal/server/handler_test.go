// ABOUTME: Tests for the verification and webchat HTTP handlers
// ABOUTME: Runs the real chi router against a temporary SQLite store

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/danielforeroj/alwaysonduty/internal/api"
	"github.com/danielforeroj/alwaysonduty/internal/auth"
	"github.com/danielforeroj/alwaysonduty/internal/config"
	"github.com/danielforeroj/alwaysonduty/internal/store"
	"github.com/danielforeroj/alwaysonduty/internal/verification"
)

const testCode = "4821"

type capturingMailer struct {
	mu   sync.Mutex
	sent []verification.Email
}

func (m *capturingMailer) Send(_ context.Context, e verification.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	return nil
}

func (m *capturingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testEnv struct {
	store   *store.SQLiteStore
	signer  *auth.Signer
	mailer  *capturingMailer
	handler http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testTenants = []config.TenantConfig{
	{
		Slug: "acme",
		Name: "Acme",
		Agents: []config.AgentConfig{
			{Slug: "acme", Name: "Acme Support"},
			{Slug: "acme-legacy", Disabled: true},
		},
	},
	{
		Slug:   "globex",
		Name:   "Globex",
		Agents: []config.AgentConfig{{Slug: "globex"}},
	},
}

func newTestEnv(t *testing.T, rl config.RateLimitConfig, mods ...func(*HandlerOptions)) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "onduty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, Seed(context.Background(), st, testTenants, discardLogger()))

	mailer := &capturingMailer{}
	verifier := verification.NewService(st, mailer, verification.Options{
		HashCost:     bcrypt.MinCost,
		GenerateCode: func() (string, error) { return testCode, nil },
		Logger:       discardLogger(),
	})
	signer := auth.NewSigner([]byte("test-secret"))

	opts := HandlerOptions{
		Store:     st,
		Verifier:  verifier,
		Signer:    signer,
		Replier:   CannedReplier{Text: "Hello from {tenant}"},
		RateLimit: rl,
		Logger:    discardLogger(),
	}
	for _, mod := range mods {
		mod(&opts)
	}

	return &testEnv{
		store:   st,
		signer:  signer,
		mailer:  mailer,
		handler: NewHandler(opts),
	}
}

func noRateLimit() config.RateLimitConfig {
	return config.RateLimitConfig{Disabled: true}
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func detailOf(t *testing.T, w *httptest.ResponseRecorder) string {
	return decode[api.ErrorBody](t, w).Detail
}

func jane() api.InitiateRequest {
	return api.InitiateRequest{
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     "jane@example.com",
		Phone:     "+15551234567",
		AgentSlug: "acme",
	}
}

func (e *testEnv) verify(t *testing.T) api.ConfirmResponse {
	t.Helper()
	w := e.post(t, api.PathInitiate, jane())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ticket := decode[api.InitiateResponse](t, w)

	w = e.post(t, api.PathConfirm, api.ConfirmRequest{VerificationToken: ticket.VerificationToken, Code: testCode})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[api.ConfirmResponse](t, w)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, api.PathHealth, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestInitiate_IssuesTicketAndSendsCode(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	w := env.post(t, api.PathInitiate, jane())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[api.InitiateResponse](t, w)
	assert.NotEmpty(t, resp.VerificationToken)
	assert.NotEmpty(t, resp.CustomerID)

	verificationID, err := env.signer.VerifyVerification(resp.VerificationToken)
	require.NoError(t, err)
	v, err := env.store.GetVerification(context.Background(), verificationID)
	require.NoError(t, err)
	assert.Equal(t, resp.CustomerID, v.CustomerID)

	require.Equal(t, 1, env.mailer.count())
	assert.Equal(t, "jane@example.com", env.mailer.sent[0].To)
	assert.Contains(t, env.mailer.sent[0].Markdown, testCode)
}

func TestInitiate_ByTenantSlug(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	req := jane()
	req.AgentSlug = ""
	req.TenantSlug = "globex"

	w := env.post(t, api.PathInitiate, req)
	require.Equal(t, http.StatusOK, w.Code)

	customer, err := env.store.GetCustomer(context.Background(), decode[api.InitiateResponse](t, w).CustomerID)
	require.NoError(t, err)
	tenant, err := env.store.GetTenantBySlug(context.Background(), "globex")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, customer.TenantID)
	assert.Equal(t, api.DefaultSource, customer.Source)
}

func TestInitiate_CreatesDemoTenantOnDemand(t *testing.T) {
	env := newTestEnv(t, noRateLimit(), func(o *HandlerOptions) { o.DemoTenant = "demo" })
	ctx := context.Background()

	_, err := env.store.GetTenantBySlug(ctx, "demo")
	require.ErrorIs(t, err, store.ErrNotFound)

	req := jane()
	req.AgentSlug = ""
	req.TenantSlug = "demo"
	w := env.post(t, api.PathInitiate, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	demo, err := env.store.GetTenantBySlug(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, demoTenantName, demo.Name)

	customer, err := env.store.GetCustomer(ctx, decode[api.InitiateResponse](t, w).CustomerID)
	require.NoError(t, err)
	assert.Equal(t, demo.ID, customer.TenantID)

	// Other unknown slugs are still rejected.
	req.TenantSlug = "initech"
	w = env.post(t, api.PathInitiate, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, detailTenantNotFound, detailOf(t, w))
}

func TestInitiate_Errors(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	tests := []struct {
		name       string
		mutate     func(*api.InitiateRequest)
		wantStatus int
		wantDetail string
	}{
		{
			name:       "unknown agent",
			mutate:     func(r *api.InitiateRequest) { r.AgentSlug = "nobody" },
			wantStatus: http.StatusNotFound,
			wantDetail: detailAgentNotFound,
		},
		{
			name:       "disabled agent",
			mutate:     func(r *api.InitiateRequest) { r.AgentSlug = "acme-legacy" },
			wantStatus: http.StatusNotFound,
			wantDetail: detailAgentNotFound,
		},
		{
			name:       "unknown tenant",
			mutate:     func(r *api.InitiateRequest) { r.AgentSlug = ""; r.TenantSlug = "initech" },
			wantStatus: http.StatusNotFound,
			wantDetail: detailTenantNotFound,
		},
		{
			name:       "no context",
			mutate:     func(r *api.InitiateRequest) { r.AgentSlug = "" },
			wantStatus: http.StatusNotFound,
			wantDetail: detailTenantNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jane()
			tt.mutate(&req)
			w := env.post(t, api.PathInitiate, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantDetail, detailOf(t, w))
		})
	}
	assert.Zero(t, env.mailer.count())
}

func TestInitiate_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	req := jane()
	req.Phone = "  "
	req.Email = "not-an-email"
	w := env.post(t, api.PathInitiate, req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body struct {
		Detail []fieldError `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Detail, 2)
	assert.Equal(t, []string{"body", "phone"}, body.Detail[0].Loc)
	assert.Equal(t, detailInvalidEmail, body.Detail[1].Msg)

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, api.PathInitiate, bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, detailInvalidBody, detailOf(t, w))
}

func TestConfirm_Success(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	resp := env.verify(t)

	assert.Equal(t, "Jane", resp.Customer.FirstName)
	assert.Equal(t, "Jane Doe", resp.Customer.FullName)
	assert.Equal(t, "+15551234567", resp.Customer.Phone)

	endUser, err := env.signer.VerifyUnlock(resp.UnlockToken)
	require.NoError(t, err)
	assert.Equal(t, resp.Customer.ID, endUser.CustomerID)
	assert.Equal(t, resp.Customer.TenantID, endUser.TenantID)
}

func TestConfirm_Errors(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	w := env.post(t, api.PathInitiate, jane())
	require.Equal(t, http.StatusOK, w.Code)
	ticket := decode[api.InitiateResponse](t, w).VerificationToken

	t.Run("bad ticket", func(t *testing.T) {
		w := env.post(t, api.PathConfirm, api.ConfirmRequest{VerificationToken: "garbage", Code: testCode})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, detailInvalidTicket, detailOf(t, w))
	})

	t.Run("unlock token is not a ticket", func(t *testing.T) {
		unlock, err := env.signer.IssueUnlock(auth.EndUser{CustomerID: "c", TenantID: "t"}, time.Hour)
		require.NoError(t, err)
		w := env.post(t, api.PathConfirm, api.ConfirmRequest{VerificationToken: unlock, Code: testCode})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong code then right code", func(t *testing.T) {
		w := env.post(t, api.PathConfirm, api.ConfirmRequest{VerificationToken: ticket, Code: "0000"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, detailInvalidCode, detailOf(t, w))

		w = env.post(t, api.PathConfirm, api.ConfirmRequest{VerificationToken: ticket, Code: testCode})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("code is single use", func(t *testing.T) {
		w := env.post(t, api.PathConfirm, api.ConfirmRequest{VerificationToken: ticket, Code: testCode})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, detailInvalidCode, detailOf(t, w))
	})
}

func TestSend_RepliesAndPersists(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	confirmed := env.verify(t)

	w := env.post(t, api.PathSend, api.ChatRequest{
		AgentSlug:    "acme",
		SessionID:    "session-1",
		Text:         "hello",
		EndUserToken: confirmed.UnlockToken,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[api.ChatResponse](t, w)
	assert.Equal(t, "Hello from Acme", resp.Reply)
	assert.Equal(t, confirmed.Customer.ID, resp.CustomerID)
	require.NotEmpty(t, resp.ConversationID)

	// A second turn on the same session reuses the conversation.
	w = env.post(t, api.PathSend, api.ChatRequest{
		AgentSlug:    "acme",
		SessionID:    "session-1",
		Text:         "again",
		EndUserToken: confirmed.UnlockToken,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, resp.ConversationID, decode[api.ChatResponse](t, w).ConversationID)

	msgs, err := env.store.ListMessages(context.Background(), resp.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, store.SenderAgent, msgs[1].Sender)
	assert.Equal(t, "again", msgs[2].Text)

	conv, err := env.store.GetOrCreateConversation(context.Background(), &store.Conversation{
		TenantID:  confirmed.Customer.TenantID,
		Channel:   api.ChannelWeb,
		SessionID: "session-1",
	})
	require.NoError(t, err)
	assert.Equal(t, confirmed.Customer.ID, conv.CustomerID)
}

func TestSend_Errors(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	confirmed := env.verify(t)

	expired, err := auth.NewSigner([]byte("test-secret")).
		WithClock(func() time.Time { return time.Now().Add(-72 * time.Hour) }).
		IssueUnlock(auth.EndUser{CustomerID: confirmed.Customer.ID, TenantID: confirmed.Customer.TenantID}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		req        api.ChatRequest
		wantStatus int
		wantDetail string
	}{
		{
			name:       "missing token",
			req:        api.ChatRequest{AgentSlug: "acme", SessionID: "s", Text: "hi"},
			wantStatus: http.StatusUnauthorized,
			wantDetail: detailInvalidEndUser,
		},
		{
			name:       "expired token",
			req:        api.ChatRequest{AgentSlug: "acme", SessionID: "s", Text: "hi", EndUserToken: expired},
			wantStatus: http.StatusUnauthorized,
			wantDetail: detailInvalidEndUser,
		},
		{
			name:       "other tenant",
			req:        api.ChatRequest{AgentSlug: "globex", SessionID: "s", Text: "hi", EndUserToken: confirmed.UnlockToken},
			wantStatus: http.StatusUnauthorized,
			wantDetail: detailTenantMismatch,
		},
		{
			name:       "unknown agent",
			req:        api.ChatRequest{AgentSlug: "nobody", SessionID: "s", Text: "hi", EndUserToken: confirmed.UnlockToken},
			wantStatus: http.StatusNotFound,
			wantDetail: detailAgentNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.post(t, api.PathSend, tt.req)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantDetail, detailOf(t, w))
		})
	}

	t.Run("blank text", func(t *testing.T) {
		w := env.post(t, api.PathSend, api.ChatRequest{AgentSlug: "acme", SessionID: "s", Text: " ", EndUserToken: confirmed.UnlockToken})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{RequestsPerMinute: 1, Burst: 2})

	req := api.ConfirmRequest{VerificationToken: "garbage", Code: testCode}
	assert.Equal(t, http.StatusBadRequest, env.post(t, api.PathConfirm, req).Code)
	assert.Equal(t, http.StatusBadRequest, env.post(t, api.PathConfirm, req).Code)

	w := env.post(t, api.PathConfirm, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, detailTooManyRequests, detailOf(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Chat and health are not limited.
	hw := httptest.NewRecorder()
	env.handler.ServeHTTP(hw, httptest.NewRequest(http.MethodGet, api.PathHealth, nil))
	assert.Equal(t, http.StatusOK, hw.Code)
}

func confirmFrom(h http.Handler, forwardedFor string) int {
	body := `{"verification_token":"garbage","code":"4821"}`
	req := httptest.NewRequest(http.MethodPost, api.PathConfirm, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	req.Header.Set("X-Real-IP", forwardedFor)
	req.Header.Set("True-Client-IP", forwardedFor)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_IgnoresForwardedHeaders(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{RequestsPerMinute: 1, Burst: 2})

	codes := map[int]int{}
	for i := 0; i < 50; i++ {
		codes[confirmFrom(env.handler, fmt.Sprintf("10.0.0.%d", i))]++
	}
	assert.Equal(t, map[int]int{http.StatusBadRequest: 2, http.StatusTooManyRequests: 48}, codes)
}

func TestRateLimit_TrustedProxyHeaders(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "onduty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := NewHandler(HandlerOptions{
		Store:             st,
		Signer:            auth.NewSigner([]byte("k")),
		RateLimit:         config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1},
		TrustProxyHeaders: true,
		Logger:            discardLogger(),
	})

	assert.Equal(t, http.StatusBadRequest, confirmFrom(h, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, confirmFrom(h, "10.0.0.1"))
	assert.Equal(t, http.StatusBadRequest, confirmFrom(h, "10.0.0.2"), "each forwarded client has its own bucket")
}

func TestCORS(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "onduty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := NewHandler(HandlerOptions{
		Store:          st,
		Signer:         auth.NewSigner([]byte("k")),
		AllowedOrigins: []string{"https://widget.example"},
		RateLimit:      noRateLimit(),
		Logger:         discardLogger(),
	})

	req := httptest.NewRequest(http.MethodOptions, api.PathSend, nil)
	req.Header.Set("Origin", "https://widget.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://widget.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, api.PathHealth, nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
