// ABOUTME: Verification gate state machine guarding the public agent chat
// ABOUTME: Collects contact info, confirms a one-time code and caches the unlock token

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/danielforeroj/alwaysonduty/internal/api"
	"github.com/danielforeroj/alwaysonduty/internal/localstore"
	"github.com/danielforeroj/alwaysonduty/internal/unlock"
)

// Step is the gate's visible state.
type Step string

const (
	StepCollect  Step = "collect"
	StepCode     Step = "code"
	StepVerified Step = "verified"
)

// Rejections returned without any network call.
var (
	ErrIncompleteContact = errors.New("all contact fields are required")
	ErrEmptyCode         = errors.New("verification code is required")
	ErrNoTicket          = errors.New("no pending verification")
	ErrBusy              = errors.New("verification request in flight")
	ErrWrongStep         = errors.New("action not allowed in current step")
	ErrAlreadyVerified   = errors.New("already verified")
)

// Failures returned after a network call.
var (
	ErrInitiateFailed = errors.New("could not start verification")
	ErrConfirmFailed  = errors.New("could not confirm verification")
	ErrTicketExpired  = errors.New("verification ticket expired")
)

// User-facing messages.
const (
	MsgMissingFields     = "Please fill out all fields."
	MsgEmptyCode         = "Enter the 4-digit code from your email."
	MsgInitiateFallback  = "Unable to start verification"
	MsgInitiateTransport = "We could not start verification. Please try again."
	MsgInvalidCode       = "The code was invalid or expired. Try again."
	MsgTicketExpired     = "Your verification code expired. Request a new one."
)

// CodeLength is the number of digits in a verification code.
const CodeLength = 4

// Verifier is the backend boundary used by the gate.
type Verifier interface {
	Initiate(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error)
	Confirm(ctx context.Context, req api.ConfirmRequest) (*api.ConfirmResponse, error)
}

// ContactProfile is the end user's contact information. It is never persisted.
type ContactProfile struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// Trimmed returns the profile with surrounding whitespace removed.
func (p ContactProfile) Trimmed() ContactProfile {
	return ContactProfile{
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Email:     strings.TrimSpace(p.Email),
		Phone:     strings.TrimSpace(p.Phone),
	}
}

// Complete reports whether every field is non-blank.
func (p ContactProfile) Complete() bool {
	t := p.Trimmed()
	return t.FirstName != "" && t.LastName != "" && t.Email != "" && t.Phone != ""
}

// Result is what the gate reports once the end user is verified.
// CustomerID is empty when the token came from local storage.
type Result struct {
	Token      string
	CustomerID string
}

// Options configures a Gate.
type Options struct {
	AgentSlug  string
	TenantSlug string
	// Source tags the verification for attribution. Defaults to api.DefaultSource.
	Source string

	Store    localstore.Store
	Verifier Verifier

	// OnVerified is called exactly once, outside the gate's lock.
	OnVerified func(Result)

	Now    func() time.Time
	Logger *slog.Logger
}

// Gate is safe for concurrent use; at most one network call runs at a time.
type Gate struct {
	opts       Options
	contextKey string
	storageKey string
	logger     *slog.Logger

	mu      sync.Mutex
	step    Step
	contact ContactProfile
	code    string
	ticket  string
	errMsg  string
	busy    bool
	result  Result

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a gate in the collect step. Call Mount before interacting.
func New(opts Options) *Gate {
	if opts.Source == "" {
		opts.Source = api.DefaultSource
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := localstore.ContextKey(opts.AgentSlug, opts.TenantSlug)

	return &Gate{
		opts:       opts,
		contextKey: key,
		storageKey: localstore.UnlockKey(key),
		logger:     logger.With("component", "gate", "context", key),
		step:       StepCollect,
		done:       make(chan struct{}),
	}
}

// Mount tries the silent fast path: a stored, decodable, unexpired unlock token
// verifies the gate with no network call. A stale or undecodable token is
// deleted and the gate stays in collect.
func (g *Gate) Mount(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if g.step == StepVerified {
		g.mu.Unlock()
		return true, nil
	}
	g.mu.Unlock()

	stored, ok, err := g.opts.Store.Get(ctx, g.storageKey)
	if err != nil {
		return false, fmt.Errorf("reading cached unlock token: %w", err)
	}
	if !ok {
		return false, nil
	}

	if unlock.Fresh(stored, g.opts.Now()) {
		g.logger.Debug("cached unlock token accepted")
		g.finish(Result{Token: stored})
		return true, nil
	}

	g.logger.Debug("discarding stale unlock token")
	if err := g.opts.Store.Delete(ctx, g.storageKey); err != nil {
		return false, fmt.Errorf("deleting stale unlock token: %w", err)
	}
	return false, nil
}

// SubmitContact requests a one-time code for the given contact profile.
func (g *Gate) SubmitContact(ctx context.Context, p ContactProfile) error {
	g.mu.Lock()
	if err := g.guardLocked(StepCollect); err != nil {
		g.mu.Unlock()
		return err
	}
	g.contact = p
	g.errMsg = ""
	if !p.Complete() {
		g.errMsg = MsgMissingFields
		g.mu.Unlock()
		return ErrIncompleteContact
	}
	g.busy = true
	g.mu.Unlock()

	t := p.Trimmed()
	resp, err := g.opts.Verifier.Initiate(ctx, api.InitiateRequest{
		FirstName:  t.FirstName,
		LastName:   t.LastName,
		Email:      t.Email,
		Phone:      t.Phone,
		AgentSlug:  g.opts.AgentSlug,
		TenantSlug: g.opts.TenantSlug,
		Source:     g.opts.Source,
	})
	if err == nil && (resp == nil || resp.VerificationToken == "") {
		err = errors.New("empty verification token in response")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy = false

	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) {
			g.errMsg = se.Describe(MsgInitiateFallback)
		} else {
			g.errMsg = MsgInitiateTransport
		}
		g.logger.Warn("initiate failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInitiateFailed, err)
	}

	g.ticket = resp.VerificationToken
	g.code = ""
	g.step = StepCode
	return nil
}

// SubmitCode confirms the one-time code against the pending ticket.
func (g *Gate) SubmitCode(ctx context.Context, code string) error {
	g.mu.Lock()
	if err := g.guardLocked(StepCode); err != nil {
		g.mu.Unlock()
		return err
	}
	if g.ticket == "" {
		g.mu.Unlock()
		return ErrNoTicket
	}
	g.code = NormalizeCode(code)
	if g.code == "" {
		g.errMsg = MsgEmptyCode
		g.mu.Unlock()
		return ErrEmptyCode
	}
	g.errMsg = ""
	g.busy = true
	ticket, normalized := g.ticket, g.code
	g.mu.Unlock()

	resp, err := g.opts.Verifier.Confirm(ctx, api.ConfirmRequest{
		VerificationToken: ticket,
		Code:              normalized,
	})
	if err == nil && (resp == nil || resp.UnlockToken == "") {
		err = errors.New("empty unlock token in response")
	}

	if err != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.busy = false
		g.logger.Warn("confirm failed", "error", err)

		if ticketExpired(ticket, g.opts.Now()) {
			g.ticket = ""
			g.code = ""
			g.step = StepCollect
			g.errMsg = MsgTicketExpired
			return fmt.Errorf("%w: %w", ErrTicketExpired, err)
		}
		g.errMsg = MsgInvalidCode
		return fmt.Errorf("%w: %w", ErrConfirmFailed, err)
	}

	if err := g.opts.Store.Set(ctx, g.storageKey, resp.UnlockToken); err != nil {
		// The in-memory token still unlocks this session.
		g.logger.Warn("failed to cache unlock token", "error", err)
	}

	g.mu.Lock()
	g.busy = false
	g.ticket = ""
	g.mu.Unlock()

	g.finish(Result{Token: resp.UnlockToken, CustomerID: resp.Customer.ID})
	return nil
}

// Back returns from the code step to the collect step. The entered code is
// discarded; contact fields are kept. The outstanding ticket is not revoked.
func (g *Gate) Back() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.guardLocked(StepCode); err != nil {
		return err
	}
	g.step = StepCollect
	g.code = ""
	g.errMsg = ""
	return nil
}

func (g *Gate) guardLocked(want Step) error {
	switch {
	case g.step == StepVerified:
		return ErrAlreadyVerified
	case g.busy:
		return ErrBusy
	case g.step != want:
		return ErrWrongStep
	}
	return nil
}

func (g *Gate) finish(r Result) {
	g.doneOnce.Do(func() {
		g.mu.Lock()
		g.step = StepVerified
		g.result = r
		g.errMsg = ""
		g.mu.Unlock()

		g.logger.Info("end user verified", "customer_id", r.CustomerID, "cached", r.CustomerID == "")
		close(g.done)
		if g.opts.OnVerified != nil {
			g.opts.OnVerified(r)
		}
	})
}

// Step returns the current step.
func (g *Gate) Step() Step {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.step
}

// ErrorMessage returns the user-facing error, or "" when there is none.
func (g *Gate) ErrorMessage() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errMsg
}

// Contact returns the last submitted contact profile.
func (g *Gate) Contact() ContactProfile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.contact
}

// Code returns the normalized code last entered in the code step.
func (g *Gate) Code() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.code
}

// Busy reports whether a network call is in flight.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// Result returns the verification result once verified.
func (g *Gate) Result() (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.step == StepVerified
}

// Done is closed once the gate is verified.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// ContextKey returns the conversation context this gate guards.
func (g *Gate) ContextKey() string {
	return g.contextKey
}

// NormalizeCode keeps digits only and truncates to CodeLength.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() == CodeLength {
				break
			}
		}
	}
	return b.String()
}

// ticketExpired reports whether the ticket is a decodable claim set whose
// expiry has passed. Opaque tickets are never considered expired.
func ticketExpired(ticket string, now time.Time) bool {
	claims, err := unlock.Decode(ticket)
	if err != nil {
		return false
	}
	if _, ok := claims.Get("exp"); !ok {
		return false
	}
	return !claims.Fresh(now)
}
