package tabseq_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/sqlseq/sqlseq/pkg/seqerr"
	"github.com/sqlseq/sqlseq/seqdb"
	"github.com/sqlseq/sqlseq/sequencer/tabseq"
)

func TestInvalidConstruction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)

	for _, tc := range []struct {
		table      string
		name       string
		startVal   int64
		bufferSize int64
	}{
		{"", "seq", 0, 10},
		{"t", "", 0, 10},
		{"t", "seq", -1, 10},
		{"t", "seq", 0, 0},
		{"t", "seq", 0, -5},
	} {
		_, err := tabseq.Create(ctx, mem, tc.table, tc.name, tc.startVal, tc.bufferSize)
		assert.Error(err)
		assert.Equal(seqerr.SEQ_INVALID_ARGUMENT, seqerr.CodeOf(err))
	}

	// validation failures must not touch storage
	assert.Equal(seqdb.MemStats{}, mem.Stats())
	assert.Empty(mem.Tables)
}

func TestConcreteScenario(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)
	seq, err := tabseq.Create(ctx, mem, "seq_tbl", "order_id", 1000, 5)
	assert.NoError(err)

	persisted, err := seq.Read(ctx)
	assert.NoError(err)
	assert.Equal(int64(1000), persisted)

	for i := int64(0); i < 5; i++ {
		v, err := seq.NextVal(ctx)
		assert.NoError(err)
		assert.Equal(1000+i, v)
	}

	stats := mem.Stats()
	assert.Equal(int64(1), stats.CasSuccesses)
	assert.Equal(int64(1), stats.CasAttempts)

	v, err := seq.NextVal(ctx)
	assert.NoError(err)
	assert.Equal(int64(1005), v)

	persisted, err = seq.Read(ctx)
	assert.NoError(err)
	assert.Equal(int64(1010), persisted)
	assert.Equal(int64(2), mem.Stats().CasSuccesses)
}

func TestOneRefillPerBuffer(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)
	seq, err := tabseq.Create(ctx, mem, "seq_tbl", "items", 0, 4)
	assert.NoError(err)

	// setup issues exactly one value select of its own
	assert.Equal(int64(1), mem.Stats().Selects)

	for i := 0; i < 12; i++ {
		_, err := seq.NextVal(ctx)
		assert.NoError(err)
	}

	stats := mem.Stats()
	assert.Equal(int64(3), stats.CasAttempts)
	assert.Equal(int64(3), stats.CasSuccesses)
	assert.Equal(int64(1+3), stats.Selects)
}

func TestMonotonicPerInstance(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)
	seq, err := tabseq.Create(ctx, mem, "seq_tbl", "mono", 7, 3)
	assert.NoError(err)

	prev := int64(-1)
	for i := 0; i < 100; i++ {
		v, err := seq.NextVal(ctx)
		assert.NoError(err)
		assert.Greater(v, prev)
		prev = v
	}
}

func TestStartValueFloor(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)

	first, err := tabseq.Create(ctx, mem, "seq_tbl", "floor", 1000, 5)
	assert.NoError(err)
	for i := 0; i < 3; i++ {
		_, err := first.NextVal(ctx)
		assert.NoError(err)
	}

	// a smaller start value must not regress the persisted frontier
	second, err := tabseq.Create(ctx, mem, "seq_tbl", "floor", 500, 5)
	assert.NoError(err)
	v, err := second.NextVal(ctx)
	assert.NoError(err)
	assert.Equal(int64(1005), v)

	// a larger start value lifts the persisted frontier before hand-out
	third, err := tabseq.Create(ctx, mem, "seq_tbl", "floor", 2000, 5)
	assert.NoError(err)
	v, err = third.NextVal(ctx)
	assert.NoError(err)
	assert.Equal(int64(2000), v)
}

// must run with -race
func TestUniquenessAcrossInstancesRacing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)

	first, err := tabseq.Create(ctx, mem, "seq_tbl", "uniq", 0, 3)
	assert.NoError(err)
	second, err := tabseq.Create(ctx, mem, "seq_tbl", "uniq", 0, 3)
	assert.NoError(err)

	const goroutines = 4
	const callsEach = 30

	var mu sync.Mutex
	var values []int64

	g, gctx := errgroup.WithContext(ctx)
	for _, seq := range []*tabseq.TabSeq{first, second} {
		seq := seq
		for i := 0; i < goroutines; i++ {
			g.Go(func() error {
				for j := 0; j < callsEach; j++ {
					v, err := seq.NextVal(gctx)
					if err != nil {
						return err
					}
					mu.Lock()
					values = append(values, v)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	assert.NoError(g.Wait())

	assert.Len(values, 2*goroutines*callsEach)
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i := 1; i < len(values); i++ {
		assert.NotEqual(values[i-1], values[i], "duplicate value handed out: %d", values[i])
	}
}

func TestCASRetryAfterLostRace(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)
	seq, err := tabseq.Create(ctx, mem, "seq_tbl", "contended", 0, 2,
		tabseq.WithCASBackoff(func() retry.Backoff {
			return retry.NewConstant(time.Millisecond)
		}))
	assert.NoError(err)

	mem.FailNextCAS(3)

	v, err := seq.NextVal(ctx)
	assert.NoError(err)
	assert.Equal(int64(0), v)

	stats := mem.Stats()
	assert.Equal(int64(4), stats.CasAttempts)
	assert.Equal(int64(1), stats.CasSuccesses)
}

func TestResetHazardDrainsStaleBuffer(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)
	seq, err := tabseq.Create(ctx, mem, "seq_tbl", "order_id", 1000, 5)
	assert.NoError(err)

	for i := 0; i < 2; i++ {
		_, err := seq.NextVal(ctx)
		assert.NoError(err)
	}

	assert.NoError(seq.Reset(ctx, 5000, 10))

	persisted, err := seq.Read(ctx)
	assert.NoError(err)
	assert.Equal(int64(5000), persisted)

	// the stale in-memory buffer drains before the reset value is observed
	for _, want := range []int64{1002, 1003, 1004} {
		v, err := seq.NextVal(ctx)
		assert.NoError(err)
		assert.Equal(want, v)
	}

	v, err := seq.NextVal(ctx)
	assert.NoError(err)
	assert.Equal(int64(5000), v)

	persisted, err = seq.Read(ctx)
	assert.NoError(err)
	assert.Equal(int64(5010), persisted)
}

func TestStorageErrorPropagation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	mem := seqdb.NewMemSeqDB(nil)
	seq, err := tabseq.Create(ctx, mem, "seq_tbl", "flaky", 0, 1)
	assert.NoError(err)

	boom := errors.New("connection refused")
	mem.SetFailure(boom)

	_, err = seq.NextVal(ctx)
	assert.Error(err)
	assert.Equal(seqerr.SEQ_STORAGE_ERROR, seqerr.CodeOf(err))
	assert.ErrorIs(err, boom)

	err = seq.Reset(ctx, 0, 1)
	assert.Error(err)
	assert.Equal(seqerr.SEQ_STORAGE_ERROR, seqerr.CodeOf(err))

	_, err = seq.Read(ctx)
	assert.Error(err)
	assert.Equal(seqerr.SEQ_STORAGE_ERROR, seqerr.CodeOf(err))

	// the per-name lock is released on failure, later calls recover
	mem.SetFailure(nil)
	v, err := seq.NextVal(ctx)
	assert.NoError(err)
	assert.Equal(int64(0), v)
}

type noCreateConn struct {
	seqdb.SeqConn
}

func (c noCreateConn) TableExists(ctx context.Context, table string) (bool, error) {
	return false, nil
}

func (c noCreateConn) CreateTable(ctx context.Context, ddl string) error {
	return errors.New("permission denied for schema public")
}

type noCreateDB struct {
	*seqdb.MemSeqDB
}

func (d noCreateDB) Acquire(ctx context.Context) (seqdb.SeqConn, error) {
	conn, err := d.MemSeqDB.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return noCreateConn{conn}, nil
}

func TestSetupFailureWhenTableUncreatable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	db := noCreateDB{seqdb.NewMemSeqDB(nil)}

	_, err := tabseq.Create(ctx, db, "seq_tbl", "orphan", 0, 5)
	assert.Error(err)
	assert.Equal(seqerr.SEQ_SETUP_FAILURE, seqerr.CodeOf(err))
}
