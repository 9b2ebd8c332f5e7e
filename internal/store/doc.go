// Package store provides persistent storage for the OnDuty reference backend
// using SQLite.
//
// # Data Models
//
//   - Tenant: workspace owning agents and customers, addressed by slug
//   - Agent: public agent; disabled agents are invisible to end users
//   - Customer: end user, unique per (tenant, email)
//   - Verification: one-time code challenge with attempt counter and
//     single-use consumption
//   - Conversation: webchat thread unique per (tenant, channel, session id)
//   - Message: one line of a conversation
//
// # Concurrency
//
// SQLiteStore runs on a single database/sql connection in WAL mode, so all
// statements are serialized. ConsumeVerification uses a conditional UPDATE so
// that only one caller can consume a verification.
//
// # Timestamps
//
// All times are stored as RFC 3339 strings in UTC.
package store
