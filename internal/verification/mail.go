// ABOUTME: Verification code emails rendered from Markdown with goldmark
// ABOUTME: Log-only mailer for development and a Resend HTTP mailer for real delivery

package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// Email is a rendered message ready for delivery.
type Email struct {
	To       string
	Subject  string
	Markdown string
	HTML     string
	Category string
}

// Mailer delivers rendered emails.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

const codeEmailSubject = "Your OnDuty verification code"

// RenderCodeEmail builds the verification code email for a recipient.
func RenderCodeEmail(to, name, code string, ttl time.Duration) (Email, error) {
	greeting := "Hi,"
	if name = strings.TrimSpace(name); name != "" {
		greeting = fmt.Sprintf("Hi %s,", name)
	}

	var src strings.Builder
	fmt.Fprintf(&src, "%s\n\n", greeting)
	fmt.Fprintf(&src, "Your verification code is **%s**.\n\n", code)
	fmt.Fprintf(&src, "It expires in %d minutes. If you did not request it, you can ignore this email.\n", int(ttl.Minutes()))

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(src.String()), &html); err != nil {
		return Email{}, fmt.Errorf("rendering email: %w", err)
	}

	return Email{
		To:       to,
		Subject:  codeEmailSubject,
		Markdown: src.String(),
		HTML:     html.String(),
		Category: "end_user_verification",
	}, nil
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a mailer that logs at info level.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger.With("component", "mailer")}
}

// Send logs the email.
func (m *LogMailer) Send(_ context.Context, email Email) error {
	m.logger.Info("email",
		"to", email.To,
		"subject", email.Subject,
		"category", email.Category,
		"body", email.Markdown,
	)
	return nil
}

// DefaultResendURL is the Resend email API endpoint.
const DefaultResendURL = "https://api.resend.com/emails"

// ResendMailer delivers email through the Resend HTTP API.
type ResendMailer struct {
	apiKey     string
	from       string
	url        string
	httpClient *http.Client
}

// NewResendMailer creates a Resend mailer. An empty url uses DefaultResendURL.
func NewResendMailer(apiKey, from, url string) *ResendMailer {
	if url == "" {
		url = DefaultResendURL
	}
	return &ResendMailer{
		apiKey:     apiKey,
		from:       from,
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html"`
	Tags    []resendTag `json:"tags,omitempty"`
}

// Send posts the email to Resend.
func (m *ResendMailer) Send(ctx context.Context, email Email) error {
	payload := resendRequest{
		From:    m.from,
		To:      []string{email.To},
		Subject: email.Subject,
		HTML:    email.HTML,
	}
	if email.Category != "" {
		payload.Tags = []resendTag{{Name: "category", Value: email.Category}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("resend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
