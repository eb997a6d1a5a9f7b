package seqdb

import (
	"context"
	"time"

	"github.com/sqlseq/sqlseq/pkg/config"
	"github.com/sqlseq/sqlseq/pkg/seqerr"
	"github.com/sqlseq/sqlseq/pkg/seqlog"
)

// SequenceRow mirrors one row of a backing sequence table.
type SequenceRow struct {
	SeqName    string    `db:"seq_name" json:"seq_name"`
	NextVal    int64     `db:"next_val" json:"next_val"`
	UpdateTime time.Time `db:"update_time" json:"update_time"`
	CreateTime time.Time `db:"create_time" json:"create_time"`
}

// Executor runs single statements against the store. Statements are written
// with '?' placeholders; each backend rebinds them to its native style.
type Executor interface {
	ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (int64, error)
	QueryScalarInt64(ctx context.Context, query string, args ...interface{}) (int64, bool, error)
	QueryScalarInt(ctx context.Context, query string, args ...interface{}) (int, bool, error)
}

// SeqConn is an explicitly acquired connection. Release must be called on
// every exit path.
type SeqConn interface {
	Executor

	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, ddl string) error
	Release() error
}

// SeqDB is the narrow storage facility a sequence allocator runs against.
// Executor calls on the SeqDB itself use a pooled, per-statement connection.
type SeqDB interface {
	Executor

	Acquire(ctx context.Context) (SeqConn, error)
	Now() time.Time
	Close() error
}

func NewSeqDB(cfg *config.Sequencer) (SeqDB, error) {
	seqlog.ReloadLogger(cfg.LogFileName)
	if cfg.LogLevel != "" {
		if err := seqlog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	switch cfg.StorageType {
	case "mem":
		return NewMemSeqDB(nil), nil
	case "postgres":
		return NewSQLSeqDB("postgres", cfg.StorageConnString)
	case "pgx":
		return NewPgxSeqDB(context.TODO(), cfg.StorageConnString)
	default:
		return nil, seqerr.Newf(seqerr.SEQ_INVALID_ARGUMENT, "seqdb implementation %s is invalid", cfg.StorageType)
	}
}

// Clock supplies timestamps for the audit columns.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
