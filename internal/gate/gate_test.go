// ABOUTME: Tests for the verification gate state machine
// ABOUTME: Covers the cached-token fast path, collect/code transitions and failures

package gate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielforeroj/alwaysonduty/internal/api"
	"github.com/danielforeroj/alwaysonduty/internal/localstore"
)

// fakeVerifier records calls and returns canned results.
type fakeVerifier struct {
	mu sync.Mutex

	initiateCalls []api.InitiateRequest
	confirmCalls  []api.ConfirmRequest

	initiateResp *api.InitiateResponse
	initiateErr  error
	confirmResp  *api.ConfirmResponse
	confirmErr   error
}

func (f *fakeVerifier) Initiate(_ context.Context, req api.InitiateRequest) (*api.InitiateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateCalls = append(f.initiateCalls, req)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return f.initiateResp, nil
}

func (f *fakeVerifier) Confirm(_ context.Context, req api.ConfirmRequest) (*api.ConfirmResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls = append(f.confirmCalls, req)
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return f.confirmResp, nil
}

func (f *fakeVerifier) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.initiateCalls), len(f.confirmCalls)
}

// tokenWithExp builds an unsigned "header.payload.sig" token.
func tokenWithExp(exp time.Time) string {
	payload := fmt.Sprintf(`{"exp":%d,"scope":"end_user"}`, exp.Unix())
	return "tok." + base64.RawURLEncoding.EncodeToString([]byte(payload)) + ".sig"
}

type harness struct {
	gate     *Gate
	store    *localstore.MemoryStore
	verifier *fakeVerifier
	results  []Result
}

func newHarness(t *testing.T, agentSlug string) *harness {
	t.Helper()
	h := &harness{
		store: localstore.NewMemoryStore(),
		verifier: &fakeVerifier{
			initiateResp: &api.InitiateResponse{VerificationToken: "vt_1"},
		},
	}
	h.gate = New(Options{
		AgentSlug:  agentSlug,
		Store:      h.store,
		Verifier:   h.verifier,
		OnVerified: func(r Result) { h.results = append(h.results, r) },
	})
	return h
}

var jane = ContactProfile{FirstName: "Jane", LastName: "Doe", Email: "jane@x.com", Phone: "+1 555 0100"}

func TestMount_ValidCachedTokenSkipsNetwork(t *testing.T) {
	h := newHarness(t, "acme")
	tok := tokenWithExp(time.Now().Add(time.Hour))
	require.NoError(t, h.store.Set(context.Background(), "onduty_unlock:acme", tok))

	ok, err := h.gate.Mount(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StepVerified, h.gate.Step())

	require.Len(t, h.results, 1)
	assert.Equal(t, Result{Token: tok}, h.results[0])

	initiates, confirms := h.verifier.calls()
	assert.Zero(t, initiates)
	assert.Zero(t, confirms)

	select {
	case <-h.gate.Done():
	default:
		t.Fatal("Done() should be closed after fast-path verification")
	}

	// Mounting again does not re-notify.
	ok, err = h.gate.Mount(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, h.results, 1)
}

func TestMount_StaleOrBrokenTokenIsDeleted(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "expired one hour ago", token: tokenWithExp(time.Now().Add(-time.Hour))},
		{name: "undecodable", token: "not-a-token"},
		{name: "no exp claim", token: "a." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"x"}`)) + ".b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "acme")
			ctx := context.Background()
			require.NoError(t, h.store.Set(ctx, "onduty_unlock:acme", tt.token))

			ok, err := h.gate.Mount(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, StepCollect, h.gate.Step())
			assert.Empty(t, h.gate.ErrorMessage())

			_, exists, _ := h.store.Get(ctx, "onduty_unlock:acme")
			assert.False(t, exists)
			assert.Equal(t, 1, h.store.Deletes("onduty_unlock:acme"))
			assert.Empty(t, h.results)
		})
	}
}

func TestMount_NoStoredTokenLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, "acme")
	ok, err := h.gate.Mount(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, h.store.Deletes("onduty_unlock:acme"))
}

func TestSubmitContact_BlankFieldsNeverCallInitiate(t *testing.T) {
	blanks := map[string]ContactProfile{
		"first name": {LastName: "Doe", Email: "jane@x.com", Phone: "1"},
		"last name":  {FirstName: "Jane", Email: "jane@x.com", Phone: "1"},
		"email":      {FirstName: "Jane", LastName: "Doe", Email: "   ", Phone: "1"},
		"phone":      {FirstName: "Jane", LastName: "Doe", Email: "jane@x.com"},
		"all":        {},
	}

	for name, p := range blanks {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, "acme")
			err := h.gate.SubmitContact(context.Background(), p)
			assert.ErrorIs(t, err, ErrIncompleteContact)
			assert.Equal(t, MsgMissingFields, h.gate.ErrorMessage())
			assert.Equal(t, StepCollect, h.gate.Step())

			initiates, _ := h.verifier.calls()
			assert.Zero(t, initiates)
		})
	}
}

func TestScenario_AcmeHappyPath(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	unlockTok := tokenWithExp(time.Now().Add(48 * time.Hour))
	h.verifier.confirmResp = &api.ConfirmResponse{
		UnlockToken: unlockTok,
		Customer:    api.Customer{ID: "c1"},
	}

	ok, err := h.gate.Mount(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, StepCollect, h.gate.Step())

	require.NoError(t, h.gate.SubmitContact(ctx, jane))
	assert.Equal(t, StepCode, h.gate.Step())

	require.Len(t, h.verifier.initiateCalls, 1)
	req := h.verifier.initiateCalls[0]
	assert.Equal(t, "Jane", req.FirstName)
	assert.Equal(t, "+1 555 0100", req.Phone)
	assert.Equal(t, "acme", req.AgentSlug)
	assert.Empty(t, req.TenantSlug)
	assert.Equal(t, api.DefaultSource, req.Source)

	require.NoError(t, h.gate.SubmitCode(ctx, "4821"))
	assert.Equal(t, StepVerified, h.gate.Step())

	require.Len(t, h.verifier.confirmCalls, 1)
	assert.Equal(t, api.ConfirmRequest{VerificationToken: "vt_1", Code: "4821"}, h.verifier.confirmCalls[0])

	stored, exists, err := h.store.Get(ctx, "onduty_unlock:acme")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, unlockTok, stored)
	assert.Equal(t, 1, h.store.Writes("onduty_unlock:acme"))

	require.Len(t, h.results, 1)
	assert.Equal(t, Result{Token: unlockTok, CustomerID: "c1"}, h.results[0])

	res, verified := h.gate.Result()
	assert.True(t, verified)
	assert.Equal(t, "c1", res.CustomerID)

	assert.ErrorIs(t, h.gate.SubmitCode(ctx, "4821"), ErrAlreadyVerified)
	assert.ErrorIs(t, h.gate.SubmitContact(ctx, jane), ErrAlreadyVerified)
}

func TestSubmitContact_FailureMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "server detail",
			err:  &api.StatusError{Path: api.PathInitiate, Status: http.StatusNotFound, Detail: "Agent not found"},
			want: "Agent not found (status 404)",
		},
		{
			name: "raw text",
			err:  &api.StatusError{Path: api.PathInitiate, Status: http.StatusBadGateway, Body: "upstream down"},
			want: "upstream down (status 502)",
		},
		{
			name: "no body",
			err:  &api.StatusError{Path: api.PathInitiate, Status: http.StatusInternalServerError},
			want: "Unable to start verification (status 500)",
		},
		{
			name: "transport",
			err:  errors.New("dial tcp: connection refused"),
			want: MsgInitiateTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "acme")
			h.verifier.initiateErr = tt.err

			err := h.gate.SubmitContact(context.Background(), jane)
			assert.ErrorIs(t, err, ErrInitiateFailed)
			assert.Equal(t, tt.want, h.gate.ErrorMessage())
			assert.Equal(t, StepCollect, h.gate.Step())
			assert.False(t, h.gate.Busy())
			assert.Equal(t, jane, h.gate.Contact())
		})
	}
}

func TestSubmitCode_WrongCodeKeepsTicket(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.verifier.confirmErr = &api.StatusError{Status: 400, Detail: "Invalid or expired code"}

	require.NoError(t, h.gate.SubmitContact(ctx, jane))

	err := h.gate.SubmitCode(ctx, "0000")
	assert.ErrorIs(t, err, ErrConfirmFailed)
	assert.Equal(t, MsgInvalidCode, h.gate.ErrorMessage())
	assert.Equal(t, StepCode, h.gate.Step())
	assert.Zero(t, h.store.Writes("onduty_unlock:acme"))

	// Retry with the same ticket, no re-initiate.
	h.verifier.confirmErr = nil
	h.verifier.confirmResp = &api.ConfirmResponse{UnlockToken: tokenWithExp(time.Now().Add(time.Hour)), Customer: api.Customer{ID: "c1"}}
	require.NoError(t, h.gate.SubmitCode(ctx, "4821"))

	initiates, confirms := h.verifier.calls()
	assert.Equal(t, 1, initiates)
	assert.Equal(t, 2, confirms)
	assert.Equal(t, "vt_1", h.verifier.confirmCalls[1].VerificationToken)
	assert.Len(t, h.results, 1)
}

func TestSubmitCode_ExpiredTicketReturnsToCollect(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.verifier.initiateResp = &api.InitiateResponse{VerificationToken: tokenWithExp(time.Now().Add(-time.Minute))}
	h.verifier.confirmErr = &api.StatusError{Status: 400, Detail: "Invalid verification token"}

	require.NoError(t, h.gate.SubmitContact(ctx, jane))

	err := h.gate.SubmitCode(ctx, "4821")
	assert.ErrorIs(t, err, ErrTicketExpired)
	assert.Equal(t, StepCollect, h.gate.Step())
	assert.Equal(t, MsgTicketExpired, h.gate.ErrorMessage())
	assert.Equal(t, jane, h.gate.Contact())

	assert.ErrorIs(t, h.gate.SubmitCode(ctx, "4821"), ErrWrongStep)
}

func TestNilResponsesAreFailures(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, "acme")
	h.verifier.initiateResp = nil
	err := h.gate.SubmitContact(ctx, jane)
	assert.ErrorIs(t, err, ErrInitiateFailed)
	assert.Equal(t, StepCollect, h.gate.Step())
	assert.Equal(t, MsgInitiateTransport, h.gate.ErrorMessage())
	assert.False(t, h.gate.Busy())

	h = newHarness(t, "acme")
	require.NoError(t, h.gate.SubmitContact(ctx, jane))
	err = h.gate.SubmitCode(ctx, "4821")
	assert.ErrorIs(t, err, ErrConfirmFailed)
	assert.Equal(t, StepCode, h.gate.Step())
	assert.Equal(t, MsgInvalidCode, h.gate.ErrorMessage())
	assert.Zero(t, h.store.Writes("onduty_unlock:acme"))
	assert.Empty(t, h.results)
}

func TestSubmitCode_EmptyCode(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	require.NoError(t, h.gate.SubmitContact(ctx, jane))

	for _, code := range []string{"", "   ", "abcd"} {
		err := h.gate.SubmitCode(ctx, code)
		assert.ErrorIs(t, err, ErrEmptyCode)
		assert.Equal(t, MsgEmptyCode, h.gate.ErrorMessage())
	}
	_, confirms := h.verifier.calls()
	assert.Zero(t, confirms)
}

func TestSubmitCode_BeforeContact(t *testing.T) {
	h := newHarness(t, "acme")
	assert.ErrorIs(t, h.gate.SubmitCode(context.Background(), "1234"), ErrWrongStep)
}

func TestBack_KeepsContactDropsCode(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.verifier.confirmErr = errors.New("boom")

	require.NoError(t, h.gate.SubmitContact(ctx, jane))
	_ = h.gate.SubmitCode(ctx, "12")
	assert.Equal(t, "12", h.gate.Code())

	require.NoError(t, h.gate.Back())
	assert.Equal(t, StepCollect, h.gate.Step())
	assert.Empty(t, h.gate.Code())
	assert.Empty(t, h.gate.ErrorMessage())
	assert.Equal(t, jane, h.gate.Contact())

	assert.ErrorIs(t, h.gate.Back(), ErrWrongStep)
}

func TestTenantContextAndSource(t *testing.T) {
	store := localstore.NewMemoryStore()
	v := &fakeVerifier{initiateResp: &api.InitiateResponse{VerificationToken: "vt"}}
	g := New(Options{TenantSlug: "acme-co", Source: "landing", Store: store, Verifier: v})

	assert.Equal(t, "acme-co", g.ContextKey())
	require.NoError(t, g.SubmitContact(context.Background(), jane))
	assert.Equal(t, "acme-co", v.initiateCalls[0].TenantSlug)
	assert.Equal(t, "landing", v.initiateCalls[0].Source)

	pub := New(Options{Store: store, Verifier: v})
	assert.Equal(t, "public", pub.ContextKey())
}

// blockingVerifier holds Initiate until released.
type blockingVerifier struct {
	fakeVerifier
	entered chan struct{}
	release chan struct{}
}

func (b *blockingVerifier) Initiate(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error) {
	close(b.entered)
	<-b.release
	return b.fakeVerifier.Initiate(ctx, req)
}

func TestSubmitContact_SingleFlight(t *testing.T) {
	v := &blockingVerifier{
		fakeVerifier: fakeVerifier{initiateResp: &api.InitiateResponse{VerificationToken: "vt"}},
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	g := New(Options{AgentSlug: "acme", Store: localstore.NewMemoryStore(), Verifier: v})

	errCh := make(chan error, 1)
	go func() { errCh <- g.SubmitContact(context.Background(), jane) }()

	<-v.entered
	assert.True(t, g.Busy())
	assert.ErrorIs(t, g.SubmitContact(context.Background(), jane), ErrBusy)

	close(v.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, StepCode, g.Step())

	initiates, _ := v.calls()
	assert.Equal(t, 1, initiates)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "4821", NormalizeCode("4821"))
	assert.Equal(t, "4821", NormalizeCode(" 48-21 "))
	assert.Equal(t, "1234", NormalizeCode("123456"))
	assert.Equal(t, "", NormalizeCode("abc"))
}
