package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keylane/internal/config"
	"keylane/internal/domain"
	"keylane/internal/repo"
)

// ResolveMarketplaceAndConfig picks the active marketplace and ensures a
// marketplace row + config exist in the DB, seeding defaults if missing. It
// prefers the explicit override, then the single marketplace in the DB, then
// the workspace keylane.yml. A missing marketplace is created on the fly.
func ResolveMarketplaceAndConfig(ctx context.Context, workspace, marketplaceOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	marketplaceID := marketplaceOverride
	if marketplaceID == "" {
		if m, err := r.SingleMarketplace(ctx); err == nil {
			marketplaceID = m.ID
		} else if fileCfg != nil {
			marketplaceID = fileCfg.Marketplace.ID
		} else {
			return "", nil, fmt.Errorf("marketplace not specified; use --marketplace or run kl init")
		}
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(marketplaceID)
	}

	if _, err := r.GetMarketplace(ctx, marketplaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createMarketplace(ctx, r, marketplaceID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetMarketplaceConfig(ctx, marketplaceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertMarketplaceConfig(ctx, marketplaceID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed marketplace config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Marketplace.ID = marketplaceID
	return marketplaceID, cfg, nil
}

// createMarketplace inserts a minimal marketplace footprint using the seed config.
func createMarketplace(ctx context.Context, r repo.Repo, marketplaceID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(marketplaceID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	m := domain.Marketplace{
		ID:        marketplaceID,
		Name:      seedCfg.Marketplace.Name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertMarketplace(ctx, tx, m); err != nil {
		return fmt.Errorf("insert marketplace: %w", err)
	}
	if err := r.UpsertMarketplaceConfigTx(ctx, tx, marketplaceID, seedCfg); err != nil {
		return fmt.Errorf("insert marketplace config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return tx.Commit()
}
