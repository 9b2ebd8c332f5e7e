// ABOUTME: Seeds tenants and public agents from configuration at startup
// ABOUTME: Idempotent; re-running updates names and agent status in place

package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielforeroj/alwaysonduty/internal/config"
	"github.com/danielforeroj/alwaysonduty/internal/store"
)

// Seed upserts every configured tenant and its agents.
func Seed(ctx context.Context, st store.Store, tenants []config.TenantConfig, logger *slog.Logger) error {
	for _, tc := range tenants {
		name := tc.Name
		if name == "" {
			name = tc.Slug
		}
		tenant := &store.Tenant{Slug: tc.Slug, Name: name}
		if err := st.UpsertTenant(ctx, tenant); err != nil {
			return fmt.Errorf("seeding tenant %q: %w", tc.Slug, err)
		}

		for _, ac := range tc.Agents {
			status := store.AgentStatusActive
			if ac.Disabled {
				status = store.AgentStatusDisabled
			}
			agentName := ac.Name
			if agentName == "" {
				agentName = ac.Slug
			}
			agent := &store.Agent{
				TenantID: tenant.ID,
				Slug:     ac.Slug,
				Name:     agentName,
				Status:   status,
			}
			if err := st.UpsertAgent(ctx, agent); err != nil {
				return fmt.Errorf("seeding agent %q: %w", ac.Slug, err)
			}
		}

		logger.Info("seeded tenant", "slug", tc.Slug, "agents", len(tc.Agents))
	}
	return nil
}
