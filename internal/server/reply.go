// ABOUTME: Agent reply generation for webchat turns
// ABOUTME: CannedReplier answers every turn with a fixed message

package server

import (
	"context"
	"strings"

	"github.com/danielforeroj/alwaysonduty/internal/auth"
	"github.com/danielforeroj/alwaysonduty/internal/store"
)

// DefaultReply is sent when no reply text is configured.
const DefaultReply = "This is a demo response from the OnDuty agent."

// ReplyRequest is one user turn awaiting an agent answer.
type ReplyRequest struct {
	Tenant       *store.Tenant
	Conversation *store.Conversation
	Text         string
}

// Replier produces the agent's answer to a user turn. The context carries the
// verified end user (see auth.EndUserFromContext).
type Replier interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// CustomerGetter loads customer records.
type CustomerGetter interface {
	GetCustomer(ctx context.Context, id string) (*store.Customer, error)
}

// CannedReplier returns Text for every turn. "{tenant}" in Text is replaced
// with the tenant name and "{first_name}" with the verified customer's first
// name, or "there" when it cannot be resolved.
type CannedReplier struct {
	Text      string
	Customers CustomerGetter
}

func (c CannedReplier) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	text := c.Text
	if text == "" {
		text = DefaultReply
	}
	name := ""
	if req.Tenant != nil {
		name = req.Tenant.Name
	}
	text = strings.ReplaceAll(text, "{tenant}", name)
	if strings.Contains(text, "{first_name}") {
		text = strings.ReplaceAll(text, "{first_name}", c.firstName(ctx))
	}
	return text, nil
}

func (c CannedReplier) firstName(ctx context.Context) string {
	u := auth.EndUserFromContext(ctx)
	if u == nil || c.Customers == nil {
		return "there"
	}
	customer, err := c.Customers.GetCustomer(ctx, u.CustomerID)
	if err != nil || customer.FirstName == "" {
		return "there"
	}
	return customer.FirstName
}
