// Package catalog implements the directory registry and its field mappings.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Store persists directory records between process runs.
type Store interface {
	LoadDirectories(ctx context.Context) ([]submission.Directory, error)
	SaveDirectories(ctx context.Context, dirs []submission.Directory) error
}

// Catalog is an in-memory directory registry with an explicit open/flush lifecycle
// against a Store. It is safe for concurrent use; mapping writes are last-write-wins.
type Catalog struct {
	store  Store
	clock  submission.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	dirs  map[string]*submission.Directory
	dirty map[string]struct{}
}

var _ submission.Catalog = (*Catalog)(nil)

// New constructs an empty Catalog. A nil store keeps the catalog memory-only.
func New(store Store, clock submission.Clock, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		store:  store,
		clock:  clock,
		logger: logger,
		dirs:   make(map[string]*submission.Directory),
		dirty:  make(map[string]struct{}),
	}
}

// Open loads every directory from the store, replacing in-memory state.
func (c *Catalog) Open(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	dirs, err := c.store.LoadDirectories(ctx)
	if err != nil {
		return submission.Infrastructure("load catalog", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs = make(map[string]*submission.Directory, len(dirs))
	c.dirty = make(map[string]struct{})
	for _, dir := range dirs {
		d := dir.Clone()
		normalizeDirectory(&d)
		c.dirs[d.ID] = &d
	}
	c.logger.Info("catalog opened", zap.Int("directories", len(c.dirs)))
	return nil
}

// Flush writes directories changed since the last flush.
func (c *Catalog) Flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return nil
	}
	changed := make([]submission.Directory, 0, len(c.dirty))
	for id := range c.dirty {
		if dir, ok := c.dirs[id]; ok {
			changed = append(changed, dir.Clone())
		}
	}
	pending := c.dirty
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	if err := c.store.SaveDirectories(ctx, changed); err != nil {
		c.mu.Lock()
		for id := range pending {
			c.dirty[id] = struct{}{}
		}
		c.mu.Unlock()
		return submission.Infrastructure("flush catalog", err)
	}
	c.logger.Debug("catalog flushed", zap.Int("directories", len(changed)))
	return nil
}

// Len returns the number of registered directories.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirs)
}

// ListDirectories returns directories matching filter ordered by tier ascending,
// then domain authority descending, then id. A package filter restricts tiers,
// implies active-only, and caps the result at the package's directory limit.
func (c *Catalog) ListDirectories(_ context.Context, filter submission.DirectoryFilter) ([]submission.Directory, error) {
	c.mu.RLock()
	out := make([]submission.Directory, 0, len(c.dirs))
	for _, dir := range c.dirs {
		if !matches(*dir, filter) {
			continue
		}
		out = append(out, dir.Clone())
	}
	c.mu.RUnlock()

	SortDirectories(out)
	if filter.Package != nil && filter.Package.DirectoryLimit > 0 && len(out) > filter.Package.DirectoryLimit {
		out = out[:filter.Package.DirectoryLimit]
	}
	return out, nil
}

// SortDirectories applies the catalog's deterministic ordering in place.
func SortDirectories(dirs []submission.Directory) {
	sort.SliceStable(dirs, func(i, j int) bool {
		a, b := dirs[i], dirs[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.DomainAuthority != b.DomainAuthority {
			return a.DomainAuthority > b.DomainAuthority
		}
		return a.ID < b.ID
	})
}

func matches(dir submission.Directory, filter submission.DirectoryFilter) bool {
	if (filter.ActiveOnly || filter.Package != nil) && !dir.Active {
		return false
	}
	if filter.Tier > 0 && dir.Tier != filter.Tier {
		return false
	}
	if filter.Category != "" && !strings.EqualFold(dir.Category, filter.Category) {
		return false
	}
	if filter.Package != nil && filter.Package.MaxDirectoryTier > 0 && dir.Tier > filter.Package.MaxDirectoryTier {
		return false
	}
	return true
}

// GetDirectory returns a copy of one directory.
func (c *Catalog) GetDirectory(_ context.Context, directoryID string) (submission.Directory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir, ok := c.dirs[directoryID]
	if !ok {
		return submission.Directory{}, fmt.Errorf("get directory %q: %w", directoryID, submission.ErrCatalogNotFound)
	}
	return dir.Clone(), nil
}

// GetMapping returns the stored mapping and its verification status.
func (c *Catalog) GetMapping(_ context.Context, directoryID string) (*submission.FieldMapping, submission.VerificationStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir, ok := c.dirs[directoryID]
	if !ok || dir.Mapping == nil {
		return nil, submission.VerificationUnmapped, fmt.Errorf("get mapping %q: %w", directoryID, submission.ErrCatalogNotFound)
	}
	return dir.Mapping.Clone(), dir.VerificationStatus, nil
}

// UpsertMapping stores mapping for a directory, stamping LastUpdated. Any status
// other than verified is recorded as needs-testing. Empty selector lists are
// dropped; a mapping with no selectors left marks the directory unmapped.
func (c *Catalog) UpsertMapping(
	_ context.Context,
	directoryID string,
	mapping submission.FieldMapping,
	status submission.VerificationStatus,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir, ok := c.dirs[directoryID]
	if !ok {
		return fmt.Errorf("upsert mapping %q: %w", directoryID, submission.ErrCatalogNotFound)
	}
	cleaned := cleanMapping(mapping)
	if len(cleaned.Fields) == 0 {
		dir.Mapping = nil
		dir.VerificationStatus = submission.VerificationUnmapped
	} else {
		cleaned.LastUpdated = c.now()
		dir.Mapping = cleaned
		if status == submission.VerificationVerified {
			dir.VerificationStatus = submission.VerificationVerified
		} else {
			dir.VerificationStatus = submission.VerificationNeedsTesting
		}
	}
	c.dirty[directoryID] = struct{}{}
	c.logger.Debug("mapping upserted",
		zap.String("directory_id", directoryID),
		zap.String("status", string(dir.VerificationStatus)),
		zap.Int("fields", len(cleaned.Fields)),
	)
	return nil
}

// MarkVerified promotes a needs-testing mapping after a successful submission.
func (c *Catalog) MarkVerified(_ context.Context, directoryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir, ok := c.dirs[directoryID]
	if !ok {
		return fmt.Errorf("mark verified %q: %w", directoryID, submission.ErrCatalogNotFound)
	}
	if dir.Mapping == nil || dir.VerificationStatus == submission.VerificationVerified {
		return nil
	}
	dir.VerificationStatus = submission.VerificationVerified
	dir.Mapping.LastUpdated = c.now()
	c.dirty[directoryID] = struct{}{}
	return nil
}

// UpsertDirectory registers or updates directory metadata. An existing mapping
// survives unless the incoming record carries its own.
func (c *Catalog) UpsertDirectory(_ context.Context, dir submission.Directory) error {
	if strings.TrimSpace(dir.ID) == "" {
		return fmt.Errorf("directory id is required")
	}
	d := dir.Clone()
	normalizeDirectory(&d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.dirs[d.ID]; ok && d.Mapping == nil {
		d.Mapping = existing.Mapping
		d.VerificationStatus = existing.VerificationStatus
	}
	c.dirs[d.ID] = &d
	c.dirty[d.ID] = struct{}{}
	return nil
}

// Deactivate excludes a directory from future jobs. Directories are never deleted.
func (c *Catalog) Deactivate(_ context.Context, directoryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir, ok := c.dirs[directoryID]
	if !ok {
		return fmt.Errorf("deactivate %q: %w", directoryID, submission.ErrCatalogNotFound)
	}
	dir.Active = false
	c.dirty[directoryID] = struct{}{}
	return nil
}

func (c *Catalog) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

func cleanMapping(src submission.FieldMapping) *submission.FieldMapping {
	out := src.Clone()
	out.Fields = make(map[submission.CanonicalField][]string, len(src.Fields))
	for field, selectors := range src.Fields {
		kept := make([]string, 0, len(selectors))
		for _, sel := range selectors {
			if sel = strings.TrimSpace(sel); sel != "" {
				kept = append(kept, sel)
			}
		}
		if len(kept) > 0 {
			out.Fields[field] = kept
		}
	}
	return out
}

func normalizeDirectory(d *submission.Directory) {
	if d.Mapping != nil {
		d.Mapping = cleanMapping(*d.Mapping)
		if len(d.Mapping.Fields) == 0 {
			d.Mapping = nil
		}
	}
	if d.Mapping == nil {
		d.VerificationStatus = submission.VerificationUnmapped
	} else if d.VerificationStatus != submission.VerificationVerified {
		d.VerificationStatus = submission.VerificationNeedsTesting
	}
}
