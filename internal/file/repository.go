package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoTimeout = 5 * time.Second

// Repository provides access to the upload ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds a new upload ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a ledger entry for a stored object.
func (r *Repository) Create(ctx context.Context, rec Record) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
INSERT INTO upload_records (id, tenant_id, owner_id, bucket, object_key, original_filename, size_bytes, content_type, checksum, etag, source)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id, tenant_id, owner_id, bucket, object_key, original_filename, size_bytes, content_type, checksum, etag, source, created_at;`

	row := r.pool.QueryRow(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.OwnerID,
		rec.Bucket,
		rec.ObjectKey,
		rec.OriginalFilename,
		rec.SizeBytes,
		rec.ContentType,
		rec.Checksum,
		rec.ETag,
		rec.Source,
	)

	var stored Record
	if err := row.Scan(&stored.ID, &stored.TenantID, &stored.OwnerID, &stored.Bucket, &stored.ObjectKey, &stored.OriginalFilename, &stored.SizeBytes, &stored.ContentType, &stored.Checksum, &stored.ETag, &stored.Source, &stored.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateRecord
		}
		return Record{}, fmt.Errorf("create upload record: %w", err)
	}
	return stored, nil
}

// List returns the newest records for one tenant user.
func (r *Repository) List(ctx context.Context, tenantID, ownerID string, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
SELECT id, tenant_id, owner_id, bucket, object_key, original_filename, size_bytes, content_type, checksum, etag, source, created_at
FROM upload_records
WHERE tenant_id = $1 AND owner_id = $2
ORDER BY created_at DESC
LIMIT $3;`

	rows, err := r.pool.Query(ctx, query, tenantID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list upload records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.OwnerID, &rec.Bucket, &rec.ObjectKey, &rec.OriginalFilename, &rec.SizeBytes, &rec.ContentType, &rec.Checksum, &rec.ETag, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload records: %w", err)
	}
	return records, nil
}
