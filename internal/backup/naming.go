package backup

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const archiveTimeLayout = "20060102_150405"

var archiveNamePattern = regexp.MustCompile(`^backup_tenant(\d+)_(\d{8}_\d{6})\.zip$`)

// ArchiveName returns backup_tenant<id>_<yyyyMMdd_HHmmss>.zip
func ArchiveName(tenantID int64, at time.Time) string {
	return fmt.Sprintf("backup_tenant%d_%s.zip", tenantID, at.UTC().Format(archiveTimeLayout))
}

// ParseArchiveName extracts the tenant id and timestamp from a generated name.
func ParseArchiveName(name string) (int64, time.Time, bool) {
	m := archiveNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, time.Time{}, false
	}
	tenantID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	at, err := time.ParseInLocation(archiveTimeLayout, m[2], time.UTC)
	if err != nil {
		return 0, time.Time{}, false
	}
	return tenantID, at, true
}

// archiveCreatedAt prefers the timestamp embedded in the name, so the same
// archive sorts identically in every backend.
func archiveCreatedAt(name string, fallback time.Time) time.Time {
	if _, at, ok := ParseArchiveName(name); ok {
		return at
	}
	return fallback.UTC()
}

// ValidateArchiveName rejects anything but a bare .zip file name.
func ValidateArchiveName(name string) error {
	if name == "" {
		return NewValidationError("archive name is required", nil)
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return NewValidationError(fmt.Sprintf("invalid archive name %q", name), nil)
	}
	if !strings.EqualFold(filepath.Ext(name), ".zip") {
		return NewInvalidFormatError(fmt.Sprintf("%s is not a .zip archive", name), nil)
	}
	return nil
}
