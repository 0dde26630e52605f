package backup

import (
	"context"

	"tenant-backup/internal/logging"
)

// RetentionManager keeps at most maxPerTenant archives per tenant across
// every storage location. Zero disables pruning.
type RetentionManager struct {
	resolver     *Resolver
	maxPerTenant int
	logger       *logging.Logger
}

func NewRetentionManager(resolver *Resolver, maxPerTenant int, logger *logging.Logger) *RetentionManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RetentionManager{resolver: resolver, maxPerTenant: maxPerTenant, logger: logger}
}

// Candidates returns the archives of tenantID beyond the newest maxPerTenant
func (rm *RetentionManager) Candidates(ctx context.Context, tenantID int64) ([]BackupInfo, error) {
	if rm.maxPerTenant <= 0 {
		return nil, nil
	}
	all, err := rm.resolver.List(ctx)
	if err != nil {
		return nil, err
	}

	var own []BackupInfo
	for _, info := range all {
		if id, _, ok := ParseArchiveName(info.FileName); ok && id == tenantID {
			own = append(own, info)
		}
	}
	SortNewestFirst(own)
	if len(own) <= rm.maxPerTenant {
		return nil, nil
	}
	return own[rm.maxPerTenant:], nil
}

// Prune deletes the candidates and returns the names removed. Individual
// delete failures are logged and do not stop the sweep.
func (rm *RetentionManager) Prune(ctx context.Context, tenantID int64) ([]string, error) {
	candidates, err := rm.Candidates(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	log := rm.logger.ForTenant(ctx, tenantID, "retention")
	var removed []string
	for _, info := range candidates {
		if _, err := rm.resolver.Delete(ctx, info.FileName); err != nil {
			log.WithError(err).WithField("archive", info.FileName).Warn("Failed to prune archive")
			continue
		}
		log.WithField("archive", info.FileName).Info("Pruned archive beyond retention limit")
		removed = append(removed, info.FileName)
	}
	return removed, nil
}
