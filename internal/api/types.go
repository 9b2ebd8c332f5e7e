// ABOUTME: Wire types for the end-user verification and webchat REST endpoints
// ABOUTME: Shared by the HTTP client and the reference server

package api

// Endpoint paths relative to the API base URL.
const (
	PathInitiate = "/api/end-user-verification/initiate"
	PathConfirm  = "/api/end-user-verification/confirm"
	PathSend     = "/api/webchat/send"
	PathHealth   = "/health"
)

// ChannelWeb is the channel tag used by the public chat widget.
const ChannelWeb = "web"

// DefaultSource attributes verifications started from a public agent page.
const DefaultSource = "public_agent"

// InitiateRequest is the body of POST /api/end-user-verification/initiate.
type InitiateRequest struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	AgentSlug  string `json:"agent_slug,omitempty"`
	TenantSlug string `json:"tenant_slug,omitempty"`
	Source     string `json:"source,omitempty"`
}

// InitiateResponse carries the verification ticket.
type InitiateResponse struct {
	VerificationToken string `json:"verification_token"`
	CustomerID        string `json:"customer_id,omitempty"`
}

// ConfirmRequest is the body of POST /api/end-user-verification/confirm.
type ConfirmRequest struct {
	VerificationToken string `json:"verification_token"`
	Code              string `json:"code"`
}

// Customer is the verified end user as returned by confirm.
type Customer struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	Phone     string `json:"primary_phone,omitempty"`
	Source    string `json:"source,omitempty"`
}

// ConfirmResponse carries the unlock token.
type ConfirmResponse struct {
	UnlockToken string   `json:"unlock_token"`
	Customer    Customer `json:"customer"`
}

// ChatRequest is the body of POST /api/webchat/send.
type ChatRequest struct {
	AgentSlug    string `json:"agent_slug,omitempty"`
	TenantSlug   string `json:"tenant_slug,omitempty"`
	Channel      string `json:"channel"`
	SessionID    string `json:"session_id"`
	Text         string `json:"text"`
	EndUserToken string `json:"end_user_token"`
}

// ChatResponse is the agent's reply to one turn.
type ChatResponse struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
}

// ErrorBody is the JSON error envelope ({"detail": ...}).
type ErrorBody struct {
	Detail string `json:"detail"`
}
