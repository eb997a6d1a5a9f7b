package seqdb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/sqlseq/sqlseq/pkg/seqlog"
)

// PgxSeqDB runs sequence statements through a pgx connection pool.
type PgxSeqDB struct {
	pool  *pgxpool.Pool
	clock Clock
}

var _ SeqDB = &PgxSeqDB{}

func NewPgxSeqDB(ctx context.Context, connString string) (*PgxSeqDB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	return &PgxSeqDB{
		pool:  pool,
		clock: SystemClock{},
	}, nil
}

func (q *PgxSeqDB) ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := q.pool.Exec(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *PgxSeqDB) QueryScalarInt64(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	return pgxScalarInt64(ctx, q.pool, sqlx.Rebind(sqlx.DOLLAR, query), args...)
}

func (q *PgxSeqDB) QueryScalarInt(ctx context.Context, query string, args ...interface{}) (int, bool, error) {
	v, present, err := pgxScalarInt64(ctx, q.pool, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	return int(v), present, err
}

func (q *PgxSeqDB) Acquire(ctx context.Context) (SeqConn, error) {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxSeqConn{conn: conn}, nil
}

func (q *PgxSeqDB) Now() time.Time {
	return q.clock.Now()
}

func (q *PgxSeqDB) Close() error {
	q.pool.Close()
	return nil
}

type pgxSeqConn struct {
	conn *pgxpool.Conn
}

var _ SeqConn = &pgxSeqConn{}

func (c *pgxSeqConn) ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := c.conn.Exec(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxSeqConn) QueryScalarInt64(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	return pgxScalarInt64(ctx, c.conn, sqlx.Rebind(sqlx.DOLLAR, query), args...)
}

func (c *pgxSeqConn) QueryScalarInt(ctx context.Context, query string, args ...interface{}) (int, bool, error) {
	v, present, err := pgxScalarInt64(ctx, c.conn, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	return int(v), present, err
}

func (c *pgxSeqConn) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := c.conn.QueryRow(ctx,
		"SELECT count(1) FROM information_schema.tables WHERE table_name = $1",
		table).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *pgxSeqConn) CreateTable(ctx context.Context, ddl string) error {
	seqlog.Zero.Debug().Str("ddl", ddl).Msg("pgxseqdb: creating sequence table")
	_, err := c.conn.Exec(ctx, ddl)
	return err
}

func (c *pgxSeqConn) Release() error {
	c.conn.Release()
	return nil
}

type pgxRowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgxScalarInt64(ctx context.Context, q pgxRowQuerier, query string, args ...interface{}) (int64, bool, error) {
	var v *int64
	err := q.QueryRow(ctx, query, args...).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}
