package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/directory-submitter/internal/catalog"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

const directoryColumns = `id, name, url, submission_url, category, tier, domain_authority, difficulty, requires_login, has_captcha, active, verification_status, mapping`

// CatalogStore loads and saves directory records in one table.
type CatalogStore struct {
	pool  Pool
	table string
}

var _ catalog.Store = (*CatalogStore)(nil)

// NewCatalogStore wraps pool. An empty table uses the default name.
func NewCatalogStore(pool Pool, table string) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables, err := Tables{Directories: table}.resolve()
	if err != nil {
		return nil, err
	}
	return &CatalogStore{pool: pool, table: tables.Directories}, nil
}

// LoadDirectories reads every row ordered by id.
func (s *CatalogStore) LoadDirectories(ctx context.Context) ([]submission.Directory, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, directoryColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load directories: %w", err)
	}
	defer rows.Close()

	var out []submission.Directory
	for rows.Next() {
		var (
			dir     submission.Directory
			status  string
			mapping []byte
		)
		if err := rows.Scan(
			&dir.ID, &dir.Name, &dir.URL, &dir.SubmissionURL, &dir.Category, &dir.Tier,
			&dir.DomainAuthority, &dir.Difficulty, &dir.RequiresLogin, &dir.HasCaptcha,
			&dir.Active, &status, &mapping,
		); err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		dir.VerificationStatus = submission.VerificationStatus(status)
		if len(mapping) > 0 && string(mapping) != "null" {
			var m submission.FieldMapping
			if err := json.Unmarshal(mapping, &m); err != nil {
				return nil, fmt.Errorf("decode mapping for %s: %w", dir.ID, err)
			}
			dir.Mapping = &m
		}
		out = append(out, dir)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load directories: %w", err)
	}
	return out, nil
}

// SaveDirectories upserts dirs in a single transaction.
func (s *CatalogStore) SaveDirectories(ctx context.Context, dirs []submission.Directory) error {
	if len(dirs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	url = EXCLUDED.url,
	submission_url = EXCLUDED.submission_url,
	category = EXCLUDED.category,
	tier = EXCLUDED.tier,
	domain_authority = EXCLUDED.domain_authority,
	difficulty = EXCLUDED.difficulty, requires_login = EXCLUDED.requires_login,
	has_captcha = EXCLUDED.has_captcha,
	active = EXCLUDED.active,
	verification_status = EXCLUDED.verification_status,
	mapping = EXCLUDED.mapping`, s.table, directoryColumns)

	return inTx(ctx, s.pool, "save directories", func(tx pgx.Tx) error {
		for _, dir := range dirs {
			var mapping []byte
			if dir.Mapping != nil {
				raw, err := json.Marshal(dir.Mapping)
				if err != nil {
					return fmt.Errorf("encode mapping for %s: %w", dir.ID, err)
				}
				mapping = raw
			}
			if _, err := tx.Exec(ctx, query,
				dir.ID, dir.Name, dir.URL, dir.SubmissionURL, dir.Category, dir.Tier,
				dir.DomainAuthority, dir.Difficulty, dir.RequiresLogin, dir.HasCaptcha,
				dir.Active, string(dir.VerificationStatus), mapping,
			); err != nil {
				return fmt.Errorf("upsert directory %s: %w", dir.ID, err)
			}
		}
		return nil
	})
}

// Close releases the pool.
func (s *CatalogStore) Close() {
	s.pool.Close()
}
