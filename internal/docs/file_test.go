package docs

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestIsContentHash(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{testHash, true},
		{strings.ToUpper(testHash), false},
		{testHash[:63], false},
		{testHash + "0", false},
		{strings.Repeat("g", 64), false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsContentHash(tt.in); got != tt.want {
			t.Errorf("IsContentHash(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFileType(t *testing.T) {
	for _, ft := range FileTypes() {
		if !ft.Valid() {
			t.Errorf("%q.Valid() = false", ft)
		}
		if ft.Extension() == ".bin" {
			t.Errorf("%q has no extension", ft)
		}
	}
	if FileType("docx").Valid() {
		t.Error(`"docx".Valid() = true`)
	}
}

func TestFileCreate_Validate(t *testing.T) {
	valid := func() *FileCreate {
		return &FileCreate{ID: testHash, DocID: "doc-1", FileType: FileTypePDF}
	}

	tests := []struct {
		name    string
		modify  func(*FileCreate)
		wantErr bool
	}{
		{"valid", func(*FileCreate) {}, false},
		{"with collections", func(c *FileCreate) { c.DocCollections = []string{"a", "b"} }, false},
		{"bad hash", func(c *FileCreate) { c.ID = "abc" }, true},
		{"missing doc id", func(c *FileCreate) { c.DocID = "" }, true},
		{"unknown type", func(c *FileCreate) { c.FileType = "docx" }, true},
		{"empty collection", func(c *FileCreate) { c.DocCollections = []string{""} }, true},
		{"repeated collection", func(c *FileCreate) { c.DocCollections = []string{"a", "a"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Validate() error = %v, want ErrInvalid", err)
				}
			} else if err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestFileUpdate_Validate(t *testing.T) {
	bad := "nope"
	unknown := SyncStatus("lost")
	synced := SyncStatusSynced
	dup := []string{"x", "x"}

	tests := []struct {
		name    string
		u       FileUpdate
		wantErr bool
	}{
		{"empty", FileUpdate{}, false},
		{"sync status", FileUpdate{SyncStatus: &synced}, false},
		{"bad hash", FileUpdate{ID: &bad}, true},
		{"unknown sync status", FileUpdate{SyncStatus: &unknown}, true},
		{"repeated collection", FileUpdate{DocCollections: &dup}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.u.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFileRecord_Clone(t *testing.T) {
	v, rv := 2, int64(7)
	orig := &FileRecord{
		ID:             testHash,
		StableID:       "abc12345",
		Version:        &v,
		RemoteVersion:  &rv,
		DocCollections: []string{"a"},
		DocMetadata:    map[string]any{"title": "T"},
		FileMetadata:   map[string]any{"k": "v"},
	}

	c := orig.Clone()
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Fatalf("Clone() mismatch (-orig +clone):\n%s", diff)
	}

	*c.Version = 3
	*c.RemoteVersion = 8
	c.DocCollections[0] = "changed"
	c.DocMetadata["title"] = "changed"
	c.FileMetadata["k"] = "changed"

	if *orig.Version != 2 || *orig.RemoteVersion != 7 {
		t.Error("Clone() shares version pointers")
	}
	if orig.DocCollections[0] != "a" || orig.DocMetadata["title"] != "T" || orig.FileMetadata["k"] != "v" {
		t.Errorf("Clone() shares collections or metadata: %+v", orig)
	}

	var nilRec *FileRecord
	if nilRec.Clone() != nil {
		t.Error("nil.Clone() != nil")
	}
}

func TestShortIDGenerator(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := ShortIDGenerator{}.New()
		if len(id) != StableIDLength {
			t.Fatalf("New() = %q, want %d characters", id, StableIDLength)
		}
		if strings.ToLower(id) != id {
			t.Fatalf("New() = %q, want lowercase", id)
		}
		if seen[id] {
			t.Fatalf("New() repeated %q", id)
		}
		seen[id] = true
	}
}
