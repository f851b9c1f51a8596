package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/directory-submitter/internal/storage"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// DefaultSnapshotPath is where SnapshotStore keeps the catalog document.
const DefaultSnapshotPath = "catalog/directories.json"

// SnapshotStore persists the whole catalog as one JSON document in a blob store.
// SaveDirectories merges the changed records into the last loaded snapshot.
type SnapshotStore struct {
	blobs submission.BlobStore
	path  string

	mu   sync.Mutex
	last map[string]submission.Directory
}

type snapshotDocument struct {
	Directories []submission.Directory `json:"directories"`
}

// NewSnapshotStore builds a Store over blobs. An empty path uses DefaultSnapshotPath.
func NewSnapshotStore(blobs submission.BlobStore, path string) *SnapshotStore {
	if path == "" {
		path = DefaultSnapshotPath
	}
	return &SnapshotStore{
		blobs: blobs,
		path:  path,
		last:  make(map[string]submission.Directory),
	}
}

// LoadDirectories reads the snapshot. A missing snapshot yields an empty catalog.
func (s *SnapshotStore) LoadDirectories(ctx context.Context) ([]submission.Directory, error) {
	data, err := s.blobs.GetObject(ctx, s.path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog snapshot: %w", err)
	}
	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = make(map[string]submission.Directory, len(doc.Directories))
	for _, dir := range doc.Directories {
		s.last[dir.ID] = dir
	}
	return doc.Directories, nil
}

// SaveDirectories merges dirs into the snapshot and rewrites it.
func (s *SnapshotStore) SaveDirectories(ctx context.Context, dirs []submission.Directory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dir := range dirs {
		s.last[dir.ID] = dir.Clone()
	}
	doc := snapshotDocument{Directories: make([]submission.Directory, 0, len(s.last))}
	for _, dir := range s.last {
		doc.Directories = append(doc.Directories, dir)
	}
	sort.Slice(doc.Directories, func(i, j int) bool { return doc.Directories[i].ID < doc.Directories[j].ID })
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog snapshot: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, s.path, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write catalog snapshot: %w", err)
	}
	return nil
}
