package seqdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sqlseq/sqlseq/pkg/seqlog"
)

// SQLSeqDB runs sequence statements through database/sql. It works with any
// registered driver; lib/pq is linked in as the stock postgres choice.
type SQLSeqDB struct {
	db    *sqlx.DB
	bind  int
	clock Clock
}

var _ SeqDB = &SQLSeqDB{}

func NewSQLSeqDB(driverName, connString string) (*SQLSeqDB, error) {
	db, err := sqlx.Connect(driverName, connString)
	if err != nil {
		return nil, err
	}

	return &SQLSeqDB{
		db:    db,
		bind:  sqlx.BindType(driverName),
		clock: SystemClock{},
	}, nil
}

func (q *SQLSeqDB) ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := q.db.ExecContext(ctx, sqlx.Rebind(q.bind, query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *SQLSeqDB) QueryScalarInt64(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	return scalarInt64(ctx, q.db, sqlx.Rebind(q.bind, query), args...)
}

func (q *SQLSeqDB) QueryScalarInt(ctx context.Context, query string, args ...interface{}) (int, bool, error) {
	v, present, err := scalarInt64(ctx, q.db, sqlx.Rebind(q.bind, query), args...)
	return int(v), present, err
}

func (q *SQLSeqDB) Acquire(ctx context.Context) (SeqConn, error) {
	conn, err := q.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlSeqConn{conn: conn, bind: q.bind}, nil
}

func (q *SQLSeqDB) Now() time.Time {
	return q.clock.Now()
}

func (q *SQLSeqDB) Close() error {
	return q.db.Close()
}

type sqlSeqConn struct {
	conn *sqlx.Conn
	bind int
}

var _ SeqConn = &sqlSeqConn{}

func (c *sqlSeqConn) ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := c.conn.ExecContext(ctx, sqlx.Rebind(c.bind, query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlSeqConn) QueryScalarInt64(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	return scalarInt64(ctx, c.conn, sqlx.Rebind(c.bind, query), args...)
}

func (c *sqlSeqConn) QueryScalarInt(ctx context.Context, query string, args ...interface{}) (int, bool, error) {
	v, present, err := scalarInt64(ctx, c.conn, sqlx.Rebind(c.bind, query), args...)
	return int(v), present, err
}

// TableExists probes the table with a no-op select. Drivers report missing
// relations differently, so any error is read as "not there".
func (c *sqlSeqConn) TableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := c.conn.QueryRowxContext(ctx, "SELECT 1 FROM "+table+" WHERE 1 = 0").Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		seqlog.Zero.Debug().Err(err).Str("table", table).Msg("sqlseqdb: table probe failed")
		return false, nil
	}
	return true, nil
}

func (c *sqlSeqConn) CreateTable(ctx context.Context, ddl string) error {
	_, err := c.conn.ExecContext(ctx, ddl)
	return err
}

func (c *sqlSeqConn) Release() error {
	return c.conn.Close()
}

type rowQuerier interface {
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

func scalarInt64(ctx context.Context, q rowQuerier, query string, args ...interface{}) (int64, bool, error) {
	var v sql.NullInt64
	err := q.QueryRowxContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Int64, true, nil
}
