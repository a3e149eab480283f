package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Postgres keeps cache entries in the live_session_cache table. Expired rows
// are invisible to Get and removed by DeleteExpired.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const q = `
insert into live_session_cache (key, value, expires_at)
values ($1, $2, now() + make_interval(secs => $3))
on conflict (key)
do update set value = excluded.value, expires_at = excluded.expires_at`
	_, err := p.db.Exec(ctx, q, key, value, ttl.Seconds())
	return err
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := p.db.QueryRow(ctx, `select value from live_session_cache where key = $1 and expires_at > now()`, key).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, `delete from live_session_cache where expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
