package state

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
)

// StateFileName is the runtime-state document inside the governance root.
const StateFileName = "state.json"

// Store owns state.json. There is exactly one Store per engine; all
// writes go through Save under the engine's global lock.
type Store struct {
	path string
}

// NewStore returns a store rooted at the governance directory.
func NewStore(root string) *Store {
	return &Store{path: filepath.Join(root, StateFileName)}
}

// Path returns the absolute state document path.
func (s *Store) Path() string { return s.path }

// Load reads the state document. A missing file yields a fresh document,
// which is how first touch after init behaves.
func (s *Store) Load() (*Document, error) {
	var doc Document
	if err := fsio.ReadJSON(s.path, &doc); err != nil {
		if errors.Is(err, errcode.ErrNotFound) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := checkSchemaVersion(doc.SchemaVersion); err != nil {
		return nil, err
	}
	if doc.Packets == nil {
		doc.Packets = map[string]*PacketState{}
	}
	// The runtime writes canonical status spellings; aliases appear only
	// in documents migrated from older tooling.
	for id, ps := range doc.Packets {
		st, err := Normalize(string(ps.Status))
		if err != nil {
			return nil, errcode.New(errcode.SchemaInvalid, "",
				"packet %s: unknown status %q", id, ps.Status)
		}
		ps.Status = st
	}
	return &doc, nil
}

// Save atomically replaces the state document.
func (s *Store) Save(doc *Document) error {
	if doc.SchemaVersion == "" {
		doc.SchemaVersion = SchemaVersion
	}
	return fsio.WithRetry(func() error {
		return fsio.WriteJSONAtomic(s.path, doc)
	})
}

// checkSchemaVersion gates on major version: a document written by a
// different major schema is refused rather than reinterpreted.
func checkSchemaVersion(v string) error {
	if v == "" {
		return nil
	}
	got, err := semver.NewVersion(v)
	if err != nil {
		return errcode.New(errcode.SchemaInvalid, "", "state schema_version %q is not semver", v)
	}
	want := semver.MustParse(SchemaVersion)
	if got.Major() != want.Major() {
		return errcode.New(errcode.SchemaInvalid, "",
			"state schema_version %s incompatible with runtime %s", v, SchemaVersion)
	}
	return nil
}
