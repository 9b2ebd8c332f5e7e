// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides tenant, customer, verification and conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer; pragmas below apply to the only connection
	db.SetMaxOpenConns(1)

	// WAL lets readers proceed while a writer holds the lock
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL REFERENCES tenants(id),
			slug       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,

			CHECK (status IN ('active', 'disabled'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);

		CREATE TABLE IF NOT EXISTS customers (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL REFERENCES tenants(id),
			email         TEXT NOT NULL,
			first_name    TEXT,
			last_name     TEXT,
			full_name     TEXT,
			primary_phone TEXT,
			source        TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			UNIQUE(tenant_id, email)
		);

		CREATE TABLE IF NOT EXISTS end_user_verifications (
			id          TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			code_hash   TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			expires_at  TEXT NOT NULL,
			consumed_at TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_verifications_customer ON end_user_verifications(customer_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL REFERENCES tenants(id),
			customer_id TEXT REFERENCES customers(id),
			channel     TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			UNIQUE(tenant_id, channel, session_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender          TEXT NOT NULL,
			text            TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertTenant inserts the tenant or updates its name when the slug exists.
// The tenant's ID is set to the stored ID.
func (s *SQLiteStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, slug, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET name = excluded.name
		RETURNING id
	`, tenant.ID, tenant.Slug, tenant.Name, formatTime(tenant.CreatedAt)).Scan(&tenant.ID)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}
	s.logger.Debug("upserted tenant", "id", tenant.ID, "slug", tenant.Slug)
	return nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM tenants WHERE id = ?`, id))
}

// GetTenantBySlug retrieves a tenant by slug.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM tenants WHERE slug = ?`, slug))
}

func (s *SQLiteStore) scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var createdAt string
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// UpsertAgent inserts the agent or updates it when the slug exists.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, tenant_id, slug, name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			status = excluded.status
		RETURNING id
	`, agent.ID, agent.TenantID, agent.Slug, agent.Name, agent.Status, formatTime(agent.CreatedAt)).Scan(&agent.ID)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	s.logger.Debug("upserted agent", "id", agent.ID, "slug", agent.Slug, "status", agent.Status)
	return nil
}

// GetAgentBySlug retrieves an agent by slug, whatever its status.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgentBySlug(ctx context.Context, slug string) (*Agent, error) {
	var a Agent
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, slug, name, status, created_at
		FROM agents
		WHERE slug = ?
	`, slug).Scan(&a.ID, &a.TenantID, &a.Slug, &a.Name, &a.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// UpsertCustomerByEmail returns the tenant's customer with the given email,
// creating it if needed. Non-empty profile fields that differ from the stored
// values replace them.
func (s *SQLiteStore) UpsertCustomerByEmail(ctx context.Context, tenantID string, p CustomerProfile) (*Customer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCustomer(tx.QueryRowContext(ctx, customerSelect+` WHERE tenant_id = ? AND email = ?`, tenantID, p.Email))
	now := time.Now()

	switch {
	case errors.Is(err, ErrNotFound):
		c = &Customer{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Email:     p.Email,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Phone:     p.Phone,
			Source:    p.Source,
			CreatedAt: now,
			UpdatedAt: now,
		}
		c.FullName = fullName(c.FirstName, c.LastName)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO customers (id, tenant_id, email, first_name, last_name, full_name, primary_phone, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.TenantID, c.Email, c.FirstName, c.LastName, c.FullName, c.Phone, c.Source,
			formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
		if err != nil {
			return nil, fmt.Errorf("inserting customer: %w", err)
		}
		s.logger.Debug("created customer", "id", c.ID, "tenant_id", tenantID)

	case err != nil:
		return nil, err

	default:
		updated := false
		for _, f := range []struct {
			dst *string
			val string
		}{
			{&c.FirstName, p.FirstName},
			{&c.LastName, p.LastName},
			{&c.Phone, p.Phone},
			{&c.Source, p.Source},
		} {
			if f.val != "" && *f.dst != f.val {
				*f.dst = f.val
				updated = true
			}
		}
		if updated {
			if name := fullName(c.FirstName, c.LastName); name != "" {
				c.FullName = name
			}
			c.UpdatedAt = now
			_, err = tx.ExecContext(ctx, `
				UPDATE customers
				SET first_name = ?, last_name = ?, full_name = ?, primary_phone = ?, source = ?, updated_at = ?
				WHERE id = ?
			`, c.FirstName, c.LastName, c.FullName, c.Phone, c.Source, formatTime(c.UpdatedAt), c.ID)
			if err != nil {
				return nil, fmt.Errorf("updating customer: %w", err)
			}
			s.logger.Debug("updated customer", "id", c.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing customer: %w", err)
	}
	return c, nil
}

// GetCustomer retrieves a customer by ID.
// Returns ErrNotFound if the customer doesn't exist.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, customerSelect+` WHERE id = ?`, id))
}

const customerSelect = `
	SELECT id, tenant_id, email,
		COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(full_name, ''),
		COALESCE(primary_phone, ''), COALESCE(source, ''),
		created_at, updated_at
	FROM customers`

func scanCustomer(row *sql.Row) (*Customer, error) {
	var c Customer
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.TenantID, &c.Email, &c.FirstName, &c.LastName, &c.FullName,
		&c.Phone, &c.Source, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func fullName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}

// CreateVerification stores a new verification challenge.
func (s *SQLiteStore) CreateVerification(ctx context.Context, v *Verification) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO end_user_verifications (id, customer_id, code_hash, attempts, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.ID, v.CustomerID, v.CodeHash, v.Attempts, formatTime(v.ExpiresAt), formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting verification: %w", err)
	}
	s.logger.Debug("created verification", "id", v.ID, "customer_id", v.CustomerID)
	return nil
}

// GetVerification retrieves a verification by ID.
// Returns ErrNotFound if the verification doesn't exist.
func (s *SQLiteStore) GetVerification(ctx context.Context, id string) (*Verification, error) {
	var v Verification
	var expiresAt, createdAt string
	var consumedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, code_hash, attempts, expires_at, consumed_at, created_at
		FROM end_user_verifications
		WHERE id = ?
	`, id).Scan(&v.ID, &v.CustomerID, &v.CodeHash, &v.Attempts, &expiresAt, &consumedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying verification: %w", err)
	}
	v.ExpiresAt = parseTime(expiresAt)
	v.CreatedAt = parseTime(createdAt)
	if consumedAt.Valid {
		t := parseTime(consumedAt.String)
		v.ConsumedAt = &t
	}
	return &v, nil
}

// RecordAttempt increments the verification's attempt counter and returns
// the new count.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE end_user_verifications SET attempts = attempts + 1
		WHERE id = ?
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("recording attempt: %w", err)
	}
	return attempts, nil
}

// ConsumeVerification marks the verification used. Only the first call
// succeeds; later calls return ErrAlreadyConsumed.
func (s *SQLiteStore) ConsumeVerification(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE end_user_verifications SET consumed_at = ?
		WHERE id = ? AND consumed_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("consuming verification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetVerification(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyConsumed
	}
	return nil
}

// GetOrCreateConversation returns the conversation for the tenant, channel and
// session id, creating it from conv if none exists. A customer id is attached
// to an existing conversation that lacks one.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	now := time.Now()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}

	var out Conversation
	var customerID sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, tenant_id, customer_id, channel, session_id, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)
		ON CONFLICT(tenant_id, channel, session_id) DO UPDATE SET
			customer_id = COALESCE(conversations.customer_id, excluded.customer_id),
			updated_at = excluded.updated_at
		RETURNING id, tenant_id, customer_id, channel, session_id, created_at, updated_at
	`, conv.ID, conv.TenantID, conv.CustomerID, conv.Channel, conv.SessionID, formatTime(now), formatTime(now)).Scan(
		&out.ID, &out.TenantID, &customerID, &out.Channel, &out.SessionID, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting conversation: %w", err)
	}
	out.CustomerID = customerID.String
	out.CreatedAt = parseTime(createdAt)
	out.UpdatedAt = parseTime(updatedAt)
	return &out, nil
}

// SaveMessage appends a message to a conversation.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Sender, msg.Text, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, text, created_at
		FROM (
			SELECT id, conversation_id, sender, text, created_at, rowid AS seq
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
