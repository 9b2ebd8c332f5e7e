// ABOUTME: Public chat session turn loop gated by end-user verification
// ABOUTME: Single-flight sends with a client-side deadline and durable session ids

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielforeroj/alwaysonduty/internal/api"
	"github.com/danielforeroj/alwaysonduty/internal/gate"
	"github.com/danielforeroj/alwaysonduty/internal/localstore"
	"github.com/danielforeroj/alwaysonduty/internal/unlock"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry in the visible transcript. Messages are never persisted.
type Message struct {
	ID   string
	Role Role
	Text string
}

// Rejections: SendTurn returns these without touching state or the network.
var (
	ErrEmptyText = errors.New("message text is empty")
	ErrBusy      = errors.New("a message is already being sent")
	ErrNoSession = errors.New("chat session id not set")
	ErrLocked    = errors.New("end user is not verified")
)

// Failures after the request was issued.
var (
	ErrTimeout    = errors.New("agent reply timed out")
	ErrSendFailed = errors.New("failed to reach agent")
)

const (
	MsgTimeout    = "The agent is taking too long to reply. Please try again."
	MsgSendFailed = "We couldn't send your message. Please try again."

	// DefaultPlaceholder is shown when the agent returns an empty reply.
	DefaultPlaceholder = "Ask about products, policies, or anything else. Responses follow the workspace's instructions."

	DefaultTimeout = 20 * time.Second
)

// Rejected reports whether err is a precondition rejection (a silent no-op).
func Rejected(err error) bool {
	return errors.Is(err, ErrEmptyText) || errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrNoSession) || errors.Is(err, ErrLocked)
}

// Sender is the backend boundary used for chat turns.
type Sender interface {
	SendChat(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error)
}

// Options configures a Session.
type Options struct {
	AgentSlug  string
	TenantSlug string

	Store  localstore.Store
	Sender Sender

	// Timeout bounds each turn. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Placeholder replaces an empty agent reply. Defaults to DefaultPlaceholder.
	Placeholder string

	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Session owns one chat view: its session id, transcript and in-flight state.
type Session struct {
	opts       Options
	contextKey string
	logger     *slog.Logger

	mu          sync.Mutex
	sessionID   string
	messages    []Message
	pending     bool
	lastError   string
	unlockToken string
	customerID  string
}

// Bootstrap returns the durable session id for contextKey, creating and
// persisting one if none exists.
func Bootstrap(ctx context.Context, store localstore.Store, contextKey string, newID func() string) (string, error) {
	key := localstore.SessionKey(contextKey)
	existing, ok, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading session id: %w", err)
	}
	if ok && existing != "" {
		return existing, nil
	}

	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()
	if err := store.Set(ctx, key, id); err != nil {
		return "", fmt.Errorf("saving session id: %w", err)
	}
	return id, nil
}

// New bootstraps the session id for the options' context and returns a
// locked session. Call Unlock (or use Gate) before sending.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Placeholder == "" {
		opts.Placeholder = DefaultPlaceholder
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key := localstore.ContextKey(opts.AgentSlug, opts.TenantSlug)
	id, err := Bootstrap(ctx, opts.Store, key, opts.NewID)
	if err != nil {
		return nil, err
	}

	return &Session{
		opts:       opts,
		contextKey: key,
		sessionID:  id,
		logger:     logger.With("component", "chat", "context", key),
	}, nil
}

// Gate builds the verification gate for this session's context. The gate's
// result unlocks the session before any caller-supplied OnVerified runs.
func (s *Session) Gate(opts gate.Options) *gate.Gate {
	opts.AgentSlug = s.opts.AgentSlug
	opts.TenantSlug = s.opts.TenantSlug
	if opts.Store == nil {
		opts.Store = s.opts.Store
	}
	if opts.Now == nil {
		opts.Now = s.opts.Now
	}
	if opts.Logger == nil {
		opts.Logger = s.opts.Logger
	}

	next := opts.OnVerified
	opts.OnVerified = func(r gate.Result) {
		s.Unlock(r.Token, r.CustomerID)
		if next != nil {
			next(r)
		}
	}
	return gate.New(opts)
}

// Unlock installs the verified end user's token.
func (s *Session) Unlock(token, customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockToken = token
	s.customerID = customerID
}

// SendTurn sends one user message and appends the agent's reply.
// Precondition failures are reported as rejections (see Rejected) and change
// nothing. Once issued, the user message stays in the transcript whatever the
// outcome; there is no retry.
func (s *Session) SendTurn(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	switch {
	case text == "":
		s.mu.Unlock()
		return Message{}, ErrEmptyText
	case s.pending:
		s.mu.Unlock()
		return Message{}, ErrBusy
	case s.sessionID == "":
		s.mu.Unlock()
		return Message{}, ErrNoSession
	case !unlock.Fresh(s.unlockToken, s.opts.Now()):
		s.mu.Unlock()
		return Message{}, ErrLocked
	}

	s.lastError = ""
	s.messages = append(s.messages, Message{ID: s.opts.NewID(), Role: RoleUser, Text: text})
	s.pending = true
	req := api.ChatRequest{
		AgentSlug:    s.opts.AgentSlug,
		TenantSlug:   s.opts.TenantSlug,
		Channel:      api.ChannelWeb,
		SessionID:    s.sessionID,
		Text:         text,
		EndUserToken: s.unlockToken,
	}
	s.mu.Unlock()

	var reply Message
	var sendErr error
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = false
		switch {
		case sendErr == nil:
			s.messages = append(s.messages, reply)
		case errors.Is(sendErr, ErrTimeout):
			s.lastError = MsgTimeout
		default:
			s.lastError = MsgSendFailed
		}
	}()

	turnCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	resp, err := s.opts.Sender.SendChat(turnCtx, req)
	if err == nil && resp == nil {
		err = errors.New("empty chat response")
	}
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		if err == nil {
			err = turnCtx.Err()
		}
		s.logger.Warn("chat turn timed out", "timeout", s.opts.Timeout)
		sendErr = fmt.Errorf("%w: %w", ErrTimeout, err)
		return Message{}, sendErr
	}
	if err != nil {
		s.logger.Warn("chat turn failed", "error", err)
		sendErr = fmt.Errorf("%w: %w", ErrSendFailed, err)
		return Message{}, sendErr
	}

	text = resp.Reply
	if strings.TrimSpace(text) == "" {
		text = s.opts.Placeholder
	}
	reply = Message{ID: s.opts.NewID(), Role: RoleAgent, Text: text}
	return reply, nil
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Pending reports whether a turn is in flight.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// LastError returns the user-facing error from the last turn, or "".
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SessionID returns the durable session id.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// CustomerID returns the verified customer id, if the gate reported one.
func (s *Session) CustomerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerID
}

// Unlocked reports whether the session holds an unexpired unlock token.
func (s *Session) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unlock.Fresh(s.unlockToken, s.opts.Now())
}

// ContextKey returns the conversation context.
func (s *Session) ContextKey() string {
	return s.contextKey
}
