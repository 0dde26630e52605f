package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// applier carries the state of one Applying phase: the transaction, the
// target tenant, the id map and an ownership cache.
type applier struct {
	tx          bun.IDB
	tenantID    int64
	registry    *Registry
	ids         IDMap
	owned       map[string]map[int64]bool
	explicitIDs map[string]bool
	staged      []stagedFile
	warnings    []string
	log         *logrus.Entry
}

func newApplier(tx bun.IDB, tenantID int64, registry *Registry, log *logrus.Entry) *applier {
	return &applier{
		tx:          tx,
		tenantID:    tenantID,
		registry:    registry,
		ids:         make(IDMap),
		owned:       make(map[string]map[int64]bool),
		explicitIDs: make(map[string]bool),
		log:         log,
	}
}

func (a *applier) warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	a.warnings = append(a.warnings, msg)
	a.log.Warn(msg)
}

// owns reports whether id in table belongs to the target tenant
func (a *applier) owns(ctx context.Context, table string, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	if cached, ok := a.owned[table][id]; ok {
		return cached, nil
	}

	var owner int64
	err := a.tx.NewSelect().
		Table(table).
		Column("tenant_id").
		Where("id = ?", id).
		Limit(1).
		Scan(ctx, &owner)
	owned := err == nil && owner == a.tenantID
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check owner of %s id %d: %w", table, id, err)
	}
	a.remember(table, id, owned)
	return owned, nil
}

func (a *applier) inserted(table string, id int64) {
	a.remember(table, id, true)
}

func (a *applier) remember(table string, id int64, owned bool) {
	ids, ok := a.owned[table]
	if !ok {
		ids = make(map[int64]bool)
		a.owned[table] = ids
	}
	ids[id] = owned
}

// explicitTables lists tables that received rows with caller-chosen ids.
func (a *applier) explicitTables() []string {
	tables := make([]string, 0, len(a.explicitIDs))
	for t := range a.explicitIDs {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// stagedFile is a document copied next to its live target, waiting for commit
type stagedFile struct {
	partial string
	target  string
}

func (a *applier) stage(partial, target string) {
	a.staged = append(a.staged, stagedFile{partial: partial, target: target})
}

// promote moves staged documents into place after the transaction committed
func (a *applier) promote() {
	for _, f := range a.staged {
		if err := os.Rename(f.partial, f.target); err != nil {
			os.Remove(f.partial)
			a.warnf("document %s could not be moved into place: %v", f.target, err)
		}
	}
	a.staged = nil
}

// discard removes staged documents after a rollback
func (a *applier) discard() {
	for _, f := range a.staged {
		if err := os.Remove(f.partial); err != nil && !os.IsNotExist(err) {
			a.log.WithError(err).WithField("path", f.partial).Warn("Failed to remove staged document")
		}
	}
	a.staged = nil
}
