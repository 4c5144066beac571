// Package db holds the pgx queries for the tables this service owns:
// the durable asset cache and the persisted provider token state. The
// order_lines table is owned by the order import pipeline; only its
// photo_url column is read here.
package db

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type Queries struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

// EnsureSchema applies the idempotent DDL for the tables owned by this
// service. Safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// CachedAsset is a row of cached_assets, the durable tier of the photo cache.
type CachedAsset struct {
	AssetID     string
	Data        []byte
	ContentType string
	CachedAt    time.Time
}

func (q *Queries) GetCachedAsset(ctx context.Context, assetID string) (CachedAsset, error) {
	var a CachedAsset
	err := q.pool.QueryRow(ctx,
		`SELECT asset_id, data, content_type, cached_at
		   FROM cached_assets
		  WHERE asset_id = $1`,
		assetID,
	).Scan(&a.AssetID, &a.Data, &a.ContentType, &a.CachedAt)
	return a, err
}

type UpsertCachedAssetParams struct {
	AssetID     string
	Data        []byte
	ContentType string
}

func (q *Queries) UpsertCachedAsset(ctx context.Context, arg UpsertCachedAssetParams) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO cached_assets (asset_id, data, content_type, cached_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (asset_id) DO UPDATE
		    SET data = EXCLUDED.data, content_type = EXCLUDED.content_type, cached_at = now()`,
		arg.AssetID, arg.Data, arg.ContentType,
	)
	return err
}

func (q *Queries) ListCachedAssetIDs(ctx context.Context) ([]string, error) {
	rows, err := q.pool.Query(ctx, `SELECT asset_id FROM cached_assets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProviderToken is the single persisted token state for the asset provider.
// The table is constrained to one row.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

func (q *Queries) GetProviderToken(ctx context.Context) (ProviderToken, error) {
	var t ProviderToken
	err := q.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, expires_at, updated_at
		   FROM asset_provider_tokens
		  WHERE id = 1`,
	).Scan(&t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.UpdatedAt)
	return t, err
}

type UpsertProviderTokenParams struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (q *Queries) UpsertProviderToken(ctx context.Context, arg UpsertProviderTokenParams) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO asset_provider_tokens (id, access_token, refresh_token, expires_at, updated_at)
		 VALUES (1, $1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE
		    SET access_token = EXCLUDED.access_token,
		        refresh_token = EXCLUDED.refresh_token,
		        expires_at = EXCLUDED.expires_at,
		        updated_at = now()`,
		arg.AccessToken, arg.RefreshToken, arg.ExpiresAt,
	)
	return err
}

// ListOrderPhotoURLs returns the distinct photo URLs referenced by current
// order lines. Read-only view into the import pipeline's table.
func (q *Queries) ListOrderPhotoURLs(ctx context.Context) ([]string, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT DISTINCT photo_url FROM order_lines WHERE photo_url <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
