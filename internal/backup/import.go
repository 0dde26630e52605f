package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// ValidateResolutions rejects directives for kinds the engine does not know
func (e *Engine) ValidateResolutions(resolutions Resolutions) error {
	var unknown []string
	for kind := range resolutions {
		if kind == SettingsKind || kind == FilesKind {
			continue
		}
		if _, ok := e.deps.Registry.Lookup(kind); !ok {
			unknown = append(unknown, kind)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return NewValidationError(fmt.Sprintf("unknown entity types: %s", strings.Join(unknown, ", ")), nil)
	}
	return nil
}

// ImportWithResolution merges an archive into the tenant following one
// directive per entity type. The result reports per-entity counts and the
// archived-to-live id map. Nothing is written unless every step succeeds.
func (e *Engine) ImportWithResolution(ctx context.Context, tenantID int64, ref string, resolutions Resolutions, userID int64) (*ImportResult, error) {
	if tenantID <= 0 {
		return nil, NewValidationError(fmt.Sprintf("tenant id must be positive, got %d", tenantID), nil)
	}
	if err := e.ValidateResolutions(resolutions); err != nil {
		return nil, err
	}
	ctx = ensureCorrelationID(ctx)
	log := e.deps.Logger.ForTenant(ctx, tenantID, OpImport).WithFields(map[string]interface{}{
		"ref":     ref,
		"user_id": userID,
	})

	unlock := e.locks.tenant(tenantID)
	defer unlock()

	op, err := e.open(ctx, tenantID, ref, log)
	if err != nil {
		return nil, err
	}
	defer op.Close()

	tables, unknown, err := e.loadTables(ctx, op)
	if err != nil {
		return nil, err
	}

	result := newImportResult()
	result.Manifest = op.manifest
	for _, t := range unknown {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown table %s skipped", t))
	}

	var ids IDMap
	err = e.apply(ctx, tenantID, log, func(ctx context.Context, ap *applier) error {
		for _, ent := range e.deps.Registry.All() {
			raw, ok := tables[ent.Kind()]
			if !ok {
				continue
			}
			stats, err := ent.Apply(ctx, ap, raw, resolutions.For(ent.Kind()))
			if err != nil {
				return fmt.Errorf("%s: %w", ent.Kind(), err)
			}
			result.add(ent.Kind(), stats)
		}
		err := e.applyArtifactsWith(ctx, ap, op, resolutions.For(SettingsKind), resolutions.For(FilesKind), result.add)
		ids = ap.ids
		return err
	}, &result.Warnings)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Message = "Import rolled back"
		result.Entities = make(map[string]EntityStats)
		return result, err
	}

	result.IDMap = ids
	result.Success = true
	total := 0
	for kind, s := range result.Entities {
		if kind != SettingsKind && kind != FilesKind {
			total += s.Imported + s.Updated
		}
	}
	result.Message = fmt.Sprintf("Imported %d records for tenant %d", total, tenantID)
	log.WithField("records", total).Info("Import committed")
	return result, nil
}

// PreviewImport reports what an import would meet without writing anything.
// Extracted and downloaded copies are removed before it returns.
func (e *Engine) PreviewImport(ctx context.Context, tenantID int64, ref string) (*ImportPreview, error) {
	if tenantID <= 0 {
		return nil, NewValidationError(fmt.Sprintf("tenant id must be positive, got %d", tenantID), nil)
	}
	ctx = ensureCorrelationID(ctx)
	log := e.deps.Logger.ForTenant(ctx, tenantID, OpPreview).WithField("ref", ref)

	op, err := e.open(ctx, tenantID, ref, log)
	if err != nil {
		return nil, err
	}
	defer op.Close()

	tables, unknown, err := e.loadTables(ctx, op)
	if err != nil {
		return nil, err
	}

	preview := &ImportPreview{
		Manifest:       op.manifest,
		IncomingCounts: make(map[string]int),
		UnknownTables:  unknown,
	}
	err = e.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		for _, ent := range e.deps.Registry.All() {
			raw, ok := tables[ent.Kind()]
			if !ok {
				continue
			}
			n, conflicts, err := ent.Inspect(ctx, idb, tenantID, raw)
			if err != nil {
				return err
			}
			preview.IncomingCounts[ent.Kind()] = n
			preview.Conflicts = append(preview.Conflicts, conflicts...)
		}
		return nil
	})
	if err != nil {
		return nil, NewDatabaseError("failed to inspect live data", err)
	}

	log.WithFields(map[string]interface{}{
		"conflicts": len(preview.Conflicts),
		"unknown":   len(unknown),
	}).Info("Import preview ready")
	return preview, nil
}
