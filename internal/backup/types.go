package backup

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is the archive layout version written by this build.
// Archives with any other version are rejected with SchemaMismatch.
const SchemaVersion = "2.0"

// Normative archive paths
const (
	ManifestPath      = "manifest.json"
	SettingsPath      = "settings.json"
	UsersPath         = "settings/users.json"
	DumpPath          = "data/db_dump.sql"
	RawDatabasePrefix = "data/database_"
	CSVDir            = "database/"
	InvoicesDir       = "invoices/"
	StatementsDir     = "statements/"
	ReportsDir        = "reports/"
	StorageDir        = "storage/"

	// ChecksumDatabase keys the database artifact in Manifest.Checksums.
	ChecksumDatabase = "database"
)

// Location tags where a backup lives
type Location string

const (
	LocationServer      Location = "Server"
	LocationDesktop     Location = "Desktop"
	LocationObjectStore Location = "ObjectStore"
	LocationUpload      Location = "Upload"
)

// Manifest is the archive's self-describing metadata document.
type Manifest struct {
	SchemaVersion  string            `json:"schema_version"`
	BackupDate     time.Time         `json:"backup_date"`
	AppVersion     string            `json:"app_version"`
	DatabaseEngine string            `json:"database_engine"`
	TenantID       *int64            `json:"tenant_id,omitempty"`
	RecordCounts   map[string]int    `json:"record_counts"`
	ExportedBy     string            `json:"exported_by"`
	Notes          string            `json:"notes,omitempty"`
	Checksums      map[string]string `json:"checksums"`
}

// Validate checks the fields every archive must carry
func (m *Manifest) Validate() error {
	if m.SchemaVersion == "" {
		return NewInvalidFormatError("manifest has no schema version", nil)
	}
	if m.BackupDate.IsZero() {
		return NewInvalidFormatError("manifest has no backup date", nil)
	}
	if m.TenantID != nil && *m.TenantID <= 0 {
		return NewInvalidFormatError(fmt.Sprintf("manifest tenant id %d is invalid", *m.TenantID), nil)
	}
	return nil
}

// BackupInfo describes one archive in one backend
type BackupInfo struct {
	FileName  string    `json:"file_name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Location  Location  `json:"location"`
}

// SortNewestFirst orders infos by creation time descending, then by name.
func SortNewestFirst(infos []BackupInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].FileName > infos[j].FileName
	})
}

// CreateOptions control the post-archive steps of CreateFullBackup
type CreateOptions struct {
	OffloadToSecondary bool `json:"offload_to_secondary"`
	UploadToRemote     bool `json:"upload_to_remote"`
	Notify             bool `json:"notify"`
}

// StepFailure records an archiver step that failed without aborting the archive
type StepFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// CreateResult is returned by CreateFullBackup
type CreateResult struct {
	FileName  string        `json:"file_name"`
	SizeBytes int64         `json:"size_bytes"`
	Manifest  *Manifest     `json:"manifest"`
	Failures  []StepFailure `json:"failures,omitempty"`
	Offloaded bool          `json:"offloaded"`
	Uploaded  bool          `json:"uploaded"`
}

// OperationResult is the transport-free outcome of a service call
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Resolution is a per-entity conflict directive for imports
type Resolution string

const (
	ResolutionSkip      Resolution = "skip"
	ResolutionOverwrite Resolution = "overwrite"
	ResolutionMerge     Resolution = "merge"
	ResolutionCreateNew Resolution = "create_new"
)

// ParseResolution parses a resolution name
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ResolutionSkip, ResolutionOverwrite, ResolutionMerge, ResolutionCreateNew:
		return r, nil
	case "create-new", "createnew":
		return ResolutionCreateNew, nil
	default:
		return "", NewValidationError(fmt.Sprintf("unknown resolution %q", s), nil)
	}
}

// Resolutions maps entity kinds (plus SettingsKind and FilesKind) to directives.
// Missing kinds default to merge.
type Resolutions map[string]Resolution

// For returns the directive for kind
func (r Resolutions) For(kind string) Resolution {
	if res, ok := r[kind]; ok && res != "" {
		return res
	}
	return ResolutionMerge
}

// Pseudo-kinds for non-tabular artifacts
const (
	SettingsKind = "Settings"
	FilesKind    = "Files"
	UsersKind    = "Users"
)

// ConflictKind classifies an import conflict
type ConflictKind string

const (
	ConflictDuplicateID      ConflictKind = "DuplicateId"
	ConflictForeignOwnership ConflictKind = "ForeignOwnership"
	ConflictTenantMismatch   ConflictKind = "TenantMismatch"
	ConflictExistingData     ConflictKind = "ExistingData"
)

// ImportConflict describes existing vs incoming state for one entity type
type ImportConflict struct {
	EntityType  string       `json:"entity_type"`
	Kind        ConflictKind `json:"kind"`
	Existing    int          `json:"existing"`
	Incoming    int          `json:"incoming"`
	Description string       `json:"description"`
}

// ImportPreview is produced read-only
type ImportPreview struct {
	Manifest       *Manifest        `json:"manifest"`
	Conflicts      []ImportConflict `json:"conflicts"`
	IncomingCounts map[string]int   `json:"incoming_counts"`
	UnknownTables  []string         `json:"unknown_tables,omitempty"`
}

// EntityStats counts what happened to one entity type
type EntityStats struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// IDMap remaps archived ids to live ids per entity kind
type IDMap map[string]map[int64]int64

// Set records old -> new for kind
func (m IDMap) Set(kind string, oldID, newID int64) {
	ids, ok := m[kind]
	if !ok {
		ids = make(map[int64]int64)
		m[kind] = ids
	}
	ids[oldID] = newID
}

// Lookup returns the live id for an archived id
func (m IDMap) Lookup(kind string, oldID int64) (int64, bool) {
	newID, ok := m[kind][oldID]
	return newID, ok
}

// MarshalJSON writes ids as strings, JSON object keys must be strings anyway.
func (m IDMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]map[string]int64, len(m))
	for kind, ids := range m {
		entries := make(map[string]int64, len(ids))
		for oldID, newID := range ids {
			entries[fmt.Sprint(oldID)] = newID
		}
		out[kind] = entries
	}
	return json.Marshal(out)
}

// ImportResult is created fresh per call and never persisted
type ImportResult struct {
	OperationResult
	Manifest *Manifest              `json:"manifest,omitempty"`
	Entities map[string]EntityStats `json:"entities"`
	IDMap    IDMap                  `json:"id_map"`
	Errors   []string               `json:"errors,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
}

func newImportResult() *ImportResult {
	return &ImportResult{
		Entities: make(map[string]EntityStats),
		IDMap:    make(IDMap),
	}
}

func (r *ImportResult) add(kind string, delta EntityStats) {
	s := r.Entities[kind]
	s.Imported += delta.Imported
	s.Updated += delta.Updated
	s.Skipped += delta.Skipped
	r.Entities[kind] = s
}

// RestoreResult reports a full restore
type RestoreResult struct {
	OperationResult
	Manifest *Manifest              `json:"manifest,omitempty"`
	Entities map[string]EntityStats `json:"entities"`
	Warnings []string               `json:"warnings,omitempty"`
}

// State is a restore/import lifecycle stage
type State string

const (
	StateResolving  State = "Resolving"
	StateExtracting State = "Extracting"
	StateValidating State = "Validating"
	StateApplying   State = "Applying"
	StateCommitted  State = "Committed"
	StateRolledBack State = "RolledBack"
)
