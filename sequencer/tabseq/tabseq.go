package tabseq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"

	"github.com/sqlseq/sqlseq/pkg/seqerr"
	"github.com/sqlseq/sqlseq/pkg/seqlog"
	"github.com/sqlseq/sqlseq/seqdb"
	"github.com/sqlseq/sqlseq/sequencer"
)

const createTableDDL = `CREATE TABLE %s(seq_name VARCHAR(64), next_val BIGINT,
  update_time TIMESTAMP NOT NULL, create_time TIMESTAMP NOT NULL, UNIQUE (seq_name))`

const (
	selectNextValTmpl = "SELECT next_val FROM %s WHERE seq_name = ?"
	casUpdateTmpl     = "UPDATE %s SET next_val = ?, update_time = ? WHERE next_val = ? AND seq_name = ?"
	resetTmpl         = "UPDATE %s SET next_val = ?, update_time = ? WHERE seq_name = ?"
	rowExistsTmpl     = "SELECT 1 FROM %s WHERE seq_name = ?"
	insertRowTmpl     = "INSERT INTO %s(seq_name, next_val, update_time, create_time) VALUES (?, ?, ?, ?)"
	floorAdvanceTmpl  = "UPDATE %s SET next_val = ?, update_time = ? WHERE seq_name = ? AND next_val < ?"
)

// seqLocks serializes refills per sequence name within the process.
var seqLocks sync.Map

func lockFor(name string) *sync.Mutex {
	mu, _ := seqLocks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// TabSeq hands out unique int64 values for one named sequence, reserving
// value ranges from a shared table in bufferSize batches. Instances on
// different processes coordinate solely through the conditional UPDATE on
// the backing row.
type TabSeq struct {
	db    seqdb.SeqDB
	table string
	name  string

	bufferSize *atomic.Int64

	// reserved range is [lowSeqID, highSeqID); equal means empty buffer
	lowSeqID  *atomic.Int64
	highSeqID int64

	selectSQL string
	casSQL    string
	resetSQL  string

	newBackoff func() retry.Backoff
}

var _ sequencer.SeqAM = &TabSeq{}

type Option func(*TabSeq)

// WithCASBackoff installs a backoff consulted between lost refill rounds.
// Attempts stay unbounded; only the pause between them changes. The factory
// is invoked once per refill so backoff state never leaks across refills.
func WithCASBackoff(newBackoff func() retry.Backoff) Option {
	return func(s *TabSeq) {
		s.newBackoff = newBackoff
	}
}

// Create builds an allocator for (table, name) and bootstraps the backing
// row: the table is created if absent, a row is inserted if absent, and the
// persisted value is advanced to startVal if it lags behind. Concurrent
// bootstrap by other processes is tolerated and re-verified. The in-memory
// buffer starts empty, so the first NextVal always refills.
func Create(ctx context.Context, db seqdb.SeqDB, table, name string, startVal, bufferSize int64, opts ...Option) (*TabSeq, error) {
	if table == "" || name == "" {
		return nil, seqerr.New(seqerr.SEQ_INVALID_ARGUMENT, "sequence table and name must be non-empty")
	}
	if startVal < 0 {
		return nil, seqerr.Newf(seqerr.SEQ_INVALID_ARGUMENT, "sequence start value must be non-negative, got %d", startVal)
	}
	if bufferSize <= 0 {
		return nil, seqerr.Newf(seqerr.SEQ_INVALID_ARGUMENT, "sequence buffer size must be positive, got %d", bufferSize)
	}

	s := &TabSeq{
		db:         db,
		table:      table,
		name:       name,
		bufferSize: atomic.NewInt64(bufferSize),
		lowSeqID:   atomic.NewInt64(startVal),
		highSeqID:  startVal,
		selectSQL:  fmt.Sprintf(selectNextValTmpl, table),
		casSQL:     fmt.Sprintf(casUpdateTmpl, table),
		resetSQL:   fmt.Sprintf(resetTmpl, table),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setup(ctx, startVal); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TabSeq) setup(ctx context.Context, startVal int64) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
	}
	defer func() {
		if err := conn.Release(); err != nil {
			seqlog.Zero.Warn().Err(err).Msg("tabseq: connection release failed")
		}
	}()

	exists, err := conn.TableExists(ctx, s.table)
	if err != nil {
		return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
	}
	if !exists {
		if err := conn.CreateTable(ctx, fmt.Sprintf(createTableDDL, s.table)); err != nil {
			// a concurrent creator is expected here, re-verify below
			seqlog.Zero.Warn().Err(err).
				Str("table", s.table).
				Msg("tabseq: create table failed, assuming concurrent creator")
		}
		exists, err = conn.TableExists(ctx, s.table)
		if err != nil {
			return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
		}
		if !exists {
			return seqerr.Newf(seqerr.SEQ_SETUP_FAILURE, "sequence table %s does not exist and could not be created", s.table)
		}
	}

	rowExistsSQL := fmt.Sprintf(rowExistsTmpl, s.table)
	_, present, err := conn.QueryScalarInt(ctx, rowExistsSQL, s.name)
	if err != nil {
		return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
	}
	if !present {
		now := s.db.Now()
		insertSQL := fmt.Sprintf(insertRowTmpl, s.table)
		if _, err := conn.ExecuteUpdate(ctx, insertSQL, s.name, startVal, now, now); err != nil {
			seqlog.Zero.Warn().Err(err).
				Str("sequence", s.name).
				Msg("tabseq: insert sequence row failed, assuming concurrent insert")
		}
	}

	// lift the persisted value to startVal; a no-op when another process
	// already advanced it further
	floorSQL := fmt.Sprintf(floorAdvanceTmpl, s.table)
	if _, err := conn.ExecuteUpdate(ctx, floorSQL, startVal, s.db.Now(), s.name, startVal); err != nil {
		return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
	}

	cur, present, err := conn.QueryScalarInt64(ctx, s.selectSQL, s.name)
	if err != nil {
		return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
	}
	if !present || cur < startVal {
		return seqerr.Newf(seqerr.SEQ_SETUP_FAILURE,
			"sequence %s: persisted value %d is below requested start %d", s.name, cur, startVal)
	}

	return nil
}

// NextVal returns the next unique value of the sequence. At most one storage
// round-trip pair (select + conditional update) happens per bufferSize calls
// under no contention.
func (s *TabSeq) NextVal(ctx context.Context) (int64, error) {
	mu := lockFor(s.name)
	mu.Lock()
	defer mu.Unlock()

	if s.lowSeqID.Load() >= s.highSeqID {
		if err := s.refill(ctx); err != nil {
			return 0, err
		}
	}

	return s.lowSeqID.Inc() - 1, nil
}

// refill claims the next bufferSize values via a conditional UPDATE keyed on
// the previously read value. A zero-row update means another allocator won
// the race; the loop re-reads and retries without bound.
func (s *TabSeq) refill(ctx context.Context) error {
	var backoff retry.Backoff
	if s.newBackoff != nil {
		backoff = s.newBackoff()
	}

	for {
		cur, present, err := s.db.QueryScalarInt64(ctx, s.selectSQL, s.name)
		if err != nil {
			return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
		}
		if !present {
			cur = 0
		}

		high := cur + s.bufferSize.Load()
		affected, err := s.db.ExecuteUpdate(ctx, s.casSQL, high, s.db.Now(), cur, s.name)
		if err != nil {
			return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
		}
		if affected > 0 {
			s.lowSeqID.Store(cur)
			s.highSeqID = high
			seqlog.Zero.Debug().
				Str("sequence", s.name).
				Int64("low", cur).
				Int64("high", high).
				Msg("tabseq: refilled buffer")
			return nil
		}

		if backoff != nil {
			d, stop := backoff.Next()
			if !stop {
				select {
				case <-ctx.Done():
					return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, ctx.Err())
				case <-time.After(d):
				}
			}
		}
	}
}

// Read returns the current persisted value of the sequence, 0 when the row
// is missing.
func (s *TabSeq) Read(ctx context.Context) (int64, error) {
	val, present, err := s.db.QueryScalarInt64(ctx, s.selectSQL, s.name)
	if err != nil {
		return 0, seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
	}
	if !present {
		return 0, nil
	}
	return val, nil
}

// Reset overwrites the persisted value unconditionally and replaces the
// buffer size used by future refills.
//
// Reset does NOT discard the in-memory buffer: values already reserved by
// this instance keep being handed out until the buffer drains and the next
// refill observes the reset value. Reset also does not take the per-name
// refill lock, so calls racing NextVal see no ordering guarantee.
func (s *TabSeq) Reset(ctx context.Context, startVal int64, bufferSize int64) error {
	if _, err := s.db.ExecuteUpdate(ctx, s.resetSQL, startVal, s.db.Now(), s.name); err != nil {
		return seqerr.Wrap(seqerr.SEQ_STORAGE_ERROR, err)
	}
	s.bufferSize.Store(bufferSize)
	return nil
}
