// ABOUTME: One-time code verification of end users before they can chat
// ABOUTME: Generates and hashes codes, enforces expiry and attempt limits, consumes once

package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/danielforeroj/alwaysonduty/internal/store"
)

// Defaults for new verifications.
const (
	CodeLength  = 4
	CodeTTL     = 15 * time.Minute
	MaxAttempts = 5
)

// ErrInvalidCode covers every reason a code is refused: unknown, consumed,
// expired, too many attempts or mismatched.
var ErrInvalidCode = errors.New("invalid or expired code")

// Options tunes a Service. Zero values use the package defaults.
type Options struct {
	CodeTTL     time.Duration
	MaxAttempts int
	// HashCost is the bcrypt cost for stored codes.
	HashCost int

	Now          func() time.Time
	GenerateCode func() (string, error)
	Logger       *slog.Logger
}

// Service creates and validates end-user verifications.
type Service struct {
	store  store.Store
	mailer Mailer
	opts   Options
	logger *slog.Logger
}

// NewService creates a verification service backed by st and delivering codes
// through mailer.
func NewService(st store.Store, mailer Mailer, opts Options) *Service {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = CodeTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = MaxAttempts
	}
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GenerateCode == nil {
		opts.GenerateCode = GenerateCode
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		mailer: mailer,
		opts:   opts,
		logger: logger.With("component", "verification"),
	}
}

// Start gets or creates the tenant's customer for profile, stores a new
// verification and emails its code. A delivery failure is logged and does not
// fail the call.
func (s *Service) Start(ctx context.Context, tenantID string, profile store.CustomerProfile) (*store.Verification, *store.Customer, error) {
	customer, err := s.store.UpsertCustomerByEmail(ctx, tenantID, profile)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving customer: %w", err)
	}

	code, err := s.opts.GenerateCode()
	if err != nil {
		return nil, nil, fmt.Errorf("generating code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.opts.HashCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing code: %w", err)
	}

	now := s.opts.Now()
	v := &store.Verification{
		CustomerID: customer.ID,
		CodeHash:   string(hash),
		ExpiresAt:  now.Add(s.opts.CodeTTL),
		CreatedAt:  now,
	}
	if err := s.store.CreateVerification(ctx, v); err != nil {
		return nil, nil, fmt.Errorf("saving verification: %w", err)
	}

	email, err := RenderCodeEmail(customer.Email, customer.FirstName, code, s.opts.CodeTTL)
	if err != nil {
		s.logger.Warn("failed to render code email", "verification_id", v.ID, "error", err)
	} else if err := s.mailer.Send(ctx, email); err != nil {
		s.logger.Warn("failed to send code email", "verification_id", v.ID, "error", err)
	}

	s.logger.Info("verification started", "verification_id", v.ID, "customer_id", customer.ID, "tenant_id", tenantID)
	return v, customer, nil
}

// Validate checks code against the verification and, on success, consumes it
// and returns its customer. Every refusal is ErrInvalidCode.
func (s *Service) Validate(ctx context.Context, verificationID, code string) (*store.Customer, error) {
	v, err := s.store.GetVerification(ctx, verificationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	logger := s.logger.With("verification_id", verificationID)
	switch {
	case v.ConsumedAt != nil:
		logger.Debug("verification already consumed")
		return nil, ErrInvalidCode
	case !now.Before(v.ExpiresAt):
		logger.Debug("verification expired")
		return nil, ErrInvalidCode
	case v.Attempts >= s.opts.MaxAttempts:
		logger.Debug("verification attempts exhausted")
		return nil, ErrInvalidCode
	}

	attempts, err := s.store.RecordAttempt(ctx, verificationID)
	if err != nil {
		return nil, fmt.Errorf("recording attempt: %w", err)
	}
	if attempts > s.opts.MaxAttempts {
		return nil, ErrInvalidCode
	}

	if err := bcrypt.CompareHashAndPassword([]byte(v.CodeHash), []byte(code)); err != nil {
		logger.Info("verification code mismatch", "attempts", attempts)
		return nil, ErrInvalidCode
	}

	if err := s.store.ConsumeVerification(ctx, verificationID, now); err != nil {
		if errors.Is(err, store.ErrAlreadyConsumed) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("consuming verification: %w", err)
	}

	customer, err := s.store.GetCustomer(ctx, v.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("loading customer: %w", err)
	}
	logger.Info("verification confirmed", "customer_id", customer.ID)
	return customer, nil
}

// GenerateCode returns a uniformly random zero-padded CodeLength-digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
