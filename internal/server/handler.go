// ABOUTME: HTTP handlers for end-user verification and webchat endpoints
// ABOUTME: Routes are mounted on a chi router with logging, CORS and rate limiting

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/danielforeroj/alwaysonduty/internal/api"
	"github.com/danielforeroj/alwaysonduty/internal/auth"
	"github.com/danielforeroj/alwaysonduty/internal/config"
	"github.com/danielforeroj/alwaysonduty/internal/store"
	"github.com/danielforeroj/alwaysonduty/internal/verification"
)

// maxBodyBytes caps request bodies on every JSON endpoint.
const maxBodyBytes = 64 * 1024

const demoTenantName = "Demo Workspace"

// Error details returned to clients.
const (
	detailAgentNotFound     = "Agent not found"
	detailTenantNotFound    = "Tenant not found"
	detailInvalidTicket     = "Invalid verification token"
	detailInvalidCode       = "Invalid or expired code"
	detailInvalidEndUser    = "Invalid end user token"
	detailTenantMismatch    = "End user token is not valid for this tenant"
	detailInvalidBody       = "Invalid request body"
	detailInternal          = "Internal server error"
	detailTooManyRequests   = "Too many requests. Please try again later."
	detailFieldRequired     = "field required"
	detailInvalidEmail      = "value is not a valid email address"
	detailVerificationStart = "Unable to start verification"
	detailAgentUnavailable  = "Agent is unavailable"
)

// HandlerOptions wires the handlers to their dependencies.
type HandlerOptions struct {
	Store    store.Store
	Verifier *verification.Service
	Signer   *auth.Signer
	Replier  Replier

	TicketTTL time.Duration
	UnlockTTL time.Duration

	RateLimit      config.RateLimitConfig
	AllowedOrigins []string

	// TrustProxyHeaders rewrites RemoteAddr from forwarding headers.
	TrustProxyHeaders bool

	// DemoTenant is a tenant slug created on demand when it does not exist.
	DemoTenant string

	Logger *slog.Logger
}

type handlers struct {
	opts   HandlerOptions
	logger *slog.Logger
}

// NewHandler builds the HTTP API.
func NewHandler(opts HandlerOptions) http.Handler {
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = auth.VerificationTTL
	}
	if opts.UnlockTTL <= 0 {
		opts.UnlockTTL = auth.UnlockTTL
	}
	if opts.Replier == nil {
		opts.Replier = CannedReplier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{opts: opts, logger: logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(chiMiddleware.RealIP)
	}
	r.Use(requestLogger(h.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors(opts.AllowedOrigins))

	r.Get(api.PathHealth, h.handleHealth)

	r.Group(func(r chi.Router) {
		if !opts.RateLimit.Disabled {
			limiter := newIPRateLimiter(opts.RateLimit.RequestsPerMinute, opts.RateLimit.Burst)
			r.Use(limiter.middleware)
		}
		r.Post(api.PathInitiate, h.handleInitiate)
		r.Post(api.PathConfirm, h.handleConfirm)
	})

	r.Post(api.PathSend, h.handleSend)

	return r
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req api.InitiateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)

	var problems []fieldError
	for _, f := range []struct{ name, value string }{
		{"first_name", req.FirstName},
		{"last_name", req.LastName},
		{"email", req.Email},
		{"phone", req.Phone},
	} {
		if f.value == "" {
			problems = append(problems, fieldError{Loc: []string{"body", f.name}, Msg: detailFieldRequired})
		}
	}
	if req.Email != "" {
		if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
			problems = append(problems, fieldError{Loc: []string{"body", "email"}, Msg: detailInvalidEmail})
		}
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": problems})
		return
	}

	tenant, ok := h.resolveTenant(w, r, req.AgentSlug, req.TenantSlug)
	if !ok {
		return
	}

	source := req.Source
	if source == "" {
		source = api.DefaultSource
	}

	v, customer, err := h.opts.Verifier.Start(r.Context(), tenant.ID, store.CustomerProfile{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Source:    source,
	})
	if err != nil {
		h.logger.Error("starting verification", "tenant_id", tenant.ID, "error", err)
		writeDetail(w, http.StatusInternalServerError, detailVerificationStart)
		return
	}

	ticket, err := h.opts.Signer.IssueVerification(v.ID, h.opts.TicketTTL)
	if err != nil {
		h.logger.Error("issuing verification ticket", "error", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}

	writeJSON(w, http.StatusOK, api.InitiateResponse{
		VerificationToken: ticket,
		CustomerID:        customer.ID,
	})
}

func (h *handlers) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req api.ConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	verificationID, err := h.opts.Signer.VerifyVerification(req.VerificationToken)
	if err != nil {
		h.logger.Debug("rejected verification ticket", "error", err)
		writeDetail(w, http.StatusBadRequest, detailInvalidTicket)
		return
	}

	customer, err := h.opts.Verifier.Validate(r.Context(), verificationID, strings.TrimSpace(req.Code))
	if errors.Is(err, verification.ErrInvalidCode) {
		writeDetail(w, http.StatusBadRequest, detailInvalidCode)
		return
	}
	if err != nil {
		h.logger.Error("validating code", "verification_id", verificationID, "error", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}

	unlock, err := h.opts.Signer.IssueUnlock(auth.EndUser{
		CustomerID: customer.ID,
		TenantID:   customer.TenantID,
	}, h.opts.UnlockTTL)
	if err != nil {
		h.logger.Error("issuing unlock token", "error", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}

	writeJSON(w, http.StatusOK, api.ConfirmResponse{
		UnlockToken: unlock,
		Customer:    toAPICustomer(customer),
	})
}

func (h *handlers) handleSend(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var problems []fieldError
	if strings.TrimSpace(req.SessionID) == "" {
		problems = append(problems, fieldError{Loc: []string{"body", "session_id"}, Msg: detailFieldRequired})
	}
	if strings.TrimSpace(req.Text) == "" {
		problems = append(problems, fieldError{Loc: []string{"body", "text"}, Msg: detailFieldRequired})
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": problems})
		return
	}

	endUser, err := h.opts.Signer.VerifyUnlock(req.EndUserToken)
	if err != nil {
		h.logger.Debug("rejected end user token", "error", err)
		writeDetail(w, http.StatusUnauthorized, detailInvalidEndUser)
		return
	}

	tenant, ok := h.resolveTenant(w, r, req.AgentSlug, req.TenantSlug)
	if !ok {
		return
	}
	if endUser.TenantID != tenant.ID {
		writeDetail(w, http.StatusUnauthorized, detailTenantMismatch)
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = api.ChannelWeb
	}

	ctx := auth.WithEndUser(r.Context(), endUser)
	conv, err := h.opts.Store.GetOrCreateConversation(ctx, &store.Conversation{
		TenantID:   tenant.ID,
		CustomerID: endUser.CustomerID,
		Channel:    channel,
		SessionID:  req.SessionID,
	})
	if err != nil {
		h.logger.Error("resolving conversation", "error", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}

	if err := h.opts.Store.SaveMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderUser,
		Text:           req.Text,
	}); err != nil {
		h.logger.Error("saving user message", "conversation_id", conv.ID, "error", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}

	reply, err := h.opts.Replier.Reply(ctx, ReplyRequest{
		Tenant:       tenant,
		Conversation: conv,
		Text:         req.Text,
	})
	if err != nil {
		h.logger.Error("generating reply", "conversation_id", conv.ID, "error", err)
		writeDetail(w, http.StatusBadGateway, detailAgentUnavailable)
		return
	}

	if err := h.opts.Store.SaveMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderAgent,
		Text:           reply,
	}); err != nil {
		h.logger.Error("saving agent message", "conversation_id", conv.ID, "error", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}

	writeJSON(w, http.StatusOK, api.ChatResponse{
		Reply:          reply,
		ConversationID: conv.ID,
		CustomerID:     endUser.CustomerID,
	})
}

// resolveTenant finds the tenant by agent slug, else by tenant slug. It writes
// a 404 and returns false when neither resolves. Disabled agents are treated
// as missing.
func (h *handlers) resolveTenant(w http.ResponseWriter, r *http.Request, agentSlug, tenantSlug string) (*store.Tenant, bool) {
	ctx := r.Context()

	if agentSlug != "" {
		agent, err := h.opts.Store.GetAgentBySlug(ctx, agentSlug)
		if errors.Is(err, store.ErrNotFound) || (err == nil && agent.Disabled()) {
			writeDetail(w, http.StatusNotFound, detailAgentNotFound)
			return nil, false
		}
		if err != nil {
			h.logger.Error("loading agent", "slug", agentSlug, "error", err)
			writeDetail(w, http.StatusInternalServerError, detailInternal)
			return nil, false
		}
		tenant, err := h.opts.Store.GetTenant(ctx, agent.TenantID)
		if err != nil {
			h.logger.Error("loading agent tenant", "agent", agentSlug, "error", err)
			writeDetail(w, http.StatusNotFound, detailTenantNotFound)
			return nil, false
		}
		return tenant, true
	}

	if tenantSlug != "" {
		tenant, err := h.opts.Store.GetTenantBySlug(ctx, tenantSlug)
		if err == nil {
			return tenant, true
		}
		if errors.Is(err, store.ErrNotFound) && tenantSlug == h.opts.DemoTenant {
			return h.ensureDemoTenant(w, r)
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("loading tenant", "slug", tenantSlug, "error", err)
			writeDetail(w, http.StatusInternalServerError, detailInternal)
			return nil, false
		}
	}

	writeDetail(w, http.StatusNotFound, detailTenantNotFound)
	return nil, false
}

func (h *handlers) ensureDemoTenant(w http.ResponseWriter, r *http.Request) (*store.Tenant, bool) {
	tenant := &store.Tenant{Slug: h.opts.DemoTenant, Name: demoTenantName}
	if err := h.opts.Store.UpsertTenant(r.Context(), tenant); err != nil {
		h.logger.Error("creating demo tenant", "slug", h.opts.DemoTenant, "error", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return nil, false
	}
	h.logger.Info("created demo tenant", "id", tenant.ID, "slug", tenant.Slug)
	return tenant, true
}

func toAPICustomer(c *store.Customer) api.Customer {
	return api.Customer{
		ID:        c.ID,
		TenantID:  c.TenantID,
		Email:     c.Email,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		FullName:  c.FullName,
		Phone:     c.Phone,
		Source:    c.Source,
	}
}

type fieldError struct {
	Loc []string `json:"loc"`
	Msg string   `json:"msg"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, detailInvalidBody)
		return false
	}
	return true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, api.ErrorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
