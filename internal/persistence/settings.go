package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// GetContainerSettings returns the stored cleanup policy, or the defaults
// when nothing has been stored yet.
func (s *Store) GetContainerSettings(ctx context.Context) (ContainerSettings, error) {
	var settings ContainerSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT auto_cleanup_enabled, min_containers_to_keep, review_period_minutes
		FROM container_settings WHERE id = 1;
	`).Scan(&settings.AutoCleanupEnabled, &settings.MinContainersToKeep, &settings.ReviewPeriodMinutes)
	if err == sql.ErrNoRows {
		return DefaultContainerSettings(), nil
	}
	if err != nil {
		return ContainerSettings{}, fmt.Errorf("get container settings: %w", err)
	}
	return settings, nil
}

// PutContainerSettings upserts the cleanup policy.
func (s *Store) PutContainerSettings(ctx context.Context, settings ContainerSettings) error {
	if settings.MinContainersToKeep < 0 {
		return fmt.Errorf("min_containers_to_keep must be >= 0, got %d", settings.MinContainersToKeep)
	}
	if settings.ReviewPeriodMinutes < 0 {
		return fmt.Errorf("review_period_minutes must be >= 0, got %d", settings.ReviewPeriodMinutes)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO container_settings (id, auto_cleanup_enabled, min_containers_to_keep, review_period_minutes, updated_at)
			VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				auto_cleanup_enabled = excluded.auto_cleanup_enabled,
				min_containers_to_keep = excluded.min_containers_to_keep,
				review_period_minutes = excluded.review_period_minutes,
				updated_at = CURRENT_TIMESTAMP;
		`, settings.AutoCleanupEnabled, settings.MinContainersToKeep, settings.ReviewPeriodMinutes)
		if err != nil {
			return fmt.Errorf("put container settings: %w", err)
		}
		return nil
	})
}
