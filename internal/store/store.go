// ABOUTME: Store interface and data types for the OnDuty reference backend
// ABOUTME: Tenants, agents, customers, end-user verifications and webchat conversations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyConsumed is returned when a verification was already used
var ErrAlreadyConsumed = errors.New("verification already consumed")

// Agent status values
const (
	AgentStatusActive   = "active"
	AgentStatusDisabled = "disabled"
)

// Message senders
const (
	SenderUser  = "user"
	SenderAgent = "ai"
)

// Tenant is a workspace that owns agents and customers
type Tenant struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Agent is a public-facing agent belonging to a tenant
type Agent struct {
	ID        string
	TenantID  string
	Slug      string
	Name      string
	Status    string // active, disabled
	CreatedAt time.Time
}

// Disabled reports whether the agent refuses public traffic
func (a *Agent) Disabled() bool {
	return a.Status == AgentStatusDisabled
}

// Customer is an end user known to a tenant, keyed by email
type Customer struct {
	ID        string
	TenantID  string
	Email     string
	FirstName string
	LastName  string
	FullName  string
	Phone     string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CustomerProfile is the contact data submitted during verification
type CustomerProfile struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Source    string
}

// Verification is a pending one-time code challenge
type Verification struct {
	ID         string
	CustomerID string
	CodeHash   string
	Attempts   int
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// Conversation is a webchat thread keyed by tenant, channel and session id
type Conversation struct {
	ID         string
	TenantID   string
	CustomerID string
	Channel    string
	SessionID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is a single line of a conversation
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Text           string
	CreatedAt      time.Time
}

// Store defines persistence for the verification and webchat endpoints
type Store interface {
	// Tenants and agents
	UpsertTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgentBySlug(ctx context.Context, slug string) (*Agent, error)

	// Customers
	UpsertCustomerByEmail(ctx context.Context, tenantID string, profile CustomerProfile) (*Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	// Verifications
	CreateVerification(ctx context.Context, v *Verification) error
	GetVerification(ctx context.Context, id string) (*Verification, error)
	RecordAttempt(ctx context.Context, id string) (int, error)
	ConsumeVerification(ctx context.Context, id string, at time.Time) error

	// Conversations
	GetOrCreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error)
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
