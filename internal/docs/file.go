// Package docs defines the document model shared by the persistence core:
// file records, their sync lifecycle, and the small interfaces (Logger, Clock,
// IDGenerator) that the stores depend on.
package docs

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// FileType discriminates the physical artifacts that make up a document.
type FileType string

const (
	FileTypePDF    FileType = "pdf"
	FileTypeTEI    FileType = "tei"
	FileTypeSchema FileType = "rng"
)

// FileTypes lists the known file types.
func FileTypes() []FileType {
	return []FileType{FileTypePDF, FileTypeTEI, FileTypeSchema}
}

// Valid reports whether t is a known file type.
func (t FileType) Valid() bool {
	switch t {
	case FileTypePDF, FileTypeTEI, FileTypeSchema:
		return true
	}
	return false
}

// Extension returns the storage extension used by the blob store.
func (t FileType) Extension() string {
	switch t {
	case FileTypePDF:
		return ".pdf"
	case FileTypeTEI:
		return ".tei.xml"
	case FileTypeSchema:
		return ".rng"
	}
	return ".bin"
}

// SyncStatus tracks a record's state relative to the remote copy.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusModified      SyncStatus = "modified"
	SyncStatusPendingUpload SyncStatus = "pending_upload"
	SyncStatusPendingDelete SyncStatus = "pending_delete"
	SyncStatusConflict      SyncStatus = "conflict"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusModified, SyncStatusPendingUpload,
		SyncStatusPendingDelete, SyncStatusConflict:
		return true
	}
	return false
}

// FileRecord is one physical file belonging to a logical document.
//
// ID is the SHA-256 of the stored bytes and may be shared by several records.
// StableID is the permanent external identity. DocCollections and DocMetadata
// are authoritative on the document's PDF record only; TEI records inherit
// them (see Repository.GetWithInheritedMetadata).
type FileRecord struct {
	ID        string
	StableID  string
	Filename  string
	DocID     string
	DocIDType string
	FileType  FileType
	MimeType  string
	FileSize  int64
	Label     string

	Variant        string // empty for records without a variant
	Version        *int   // nil for gold standards and PDFs
	IsGoldStandard bool

	DocCollections []string
	DocMetadata    map[string]any
	FileMetadata   map[string]any

	Status    string
	CreatedBy string

	Deleted         bool
	SyncStatus      SyncStatus
	SyncHash        string
	RemoteVersion   *int64
	LocalModifiedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so cached records cannot be mutated by callers.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.DocCollections = slices.Clone(r.DocCollections)
	c.DocMetadata = maps.Clone(r.DocMetadata)
	c.FileMetadata = maps.Clone(r.FileMetadata)
	if r.Version != nil {
		v := *r.Version
		c.Version = &v
	}
	if r.RemoteVersion != nil {
		v := *r.RemoteVersion
		c.RemoteVersion = &v
	}
	return &c
}

// FileCreate carries the fields accepted on insert.
// StableID is generated when empty.
type FileCreate struct {
	ID             string
	StableID       string
	Filename       string
	DocID          string
	DocIDType      string
	FileType       FileType
	MimeType       string
	FileSize       int64
	Label          string
	Variant        string
	Version        *int
	IsGoldStandard bool
	DocCollections []string
	DocMetadata    map[string]any
	FileMetadata   map[string]any
	Status         string
	CreatedBy      string
}

// Validate checks the invariants an insert must satisfy.
func (c *FileCreate) Validate() error {
	if !IsContentHash(c.ID) {
		return fmt.Errorf("%w: id %q is not a content hash", ErrInvalid, c.ID)
	}
	if c.DocID == "" {
		return fmt.Errorf("%w: doc_id is required", ErrInvalid)
	}
	if !c.FileType.Valid() {
		return fmt.Errorf("%w: unknown file type %q", ErrInvalid, c.FileType)
	}
	if err := ValidateCollections(c.DocCollections); err != nil {
		return err
	}
	return nil
}

// FileUpdate is a partial update; nil fields are left untouched.
// Setting SyncStatus explicitly suppresses the implicit "modified" marking.
type FileUpdate struct {
	ID             *string
	Filename       *string
	FileSize       *int64
	Label          *string
	Variant        *string
	Version        *int
	IsGoldStandard *bool
	DocCollections *[]string
	DocMetadata    map[string]any
	FileMetadata   map[string]any
	Status         *string
	SyncStatus     *SyncStatus
	SyncHash       *string
	RemoteVersion  *int64
}

// Validate checks the supplied fields.
func (u *FileUpdate) Validate() error {
	if u.ID != nil && !IsContentHash(*u.ID) {
		return fmt.Errorf("%w: id %q is not a content hash", ErrInvalid, *u.ID)
	}
	if u.SyncStatus != nil && !u.SyncStatus.Valid() {
		return fmt.Errorf("%w: unknown sync status %q", ErrInvalid, *u.SyncStatus)
	}
	if u.DocCollections != nil {
		return ValidateCollections(*u.DocCollections)
	}
	return nil
}

// ValidateCollections rejects empty or repeated collection ids.
func ValidateCollections(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty collection id", ErrInvalid)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: collection %q listed twice", ErrInvalid, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// IsContentHash reports whether s looks like a lowercase hex SHA-256 digest.
func IsContentHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
