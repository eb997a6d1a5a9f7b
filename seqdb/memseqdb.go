package seqdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemSeqDB is an in-memory SeqDB that understands the fixed statement
// shapes generated by the table-backed allocator. It backs unit tests that
// exercise the bootstrap and refill paths without a live database.
type MemSeqDB struct {
	mu sync.RWMutex

	Tables map[string]bool         `json:"tables"`
	Rows   map[string]*SequenceRow `json:"rows"`

	clock Clock

	stats MemStats

	failure     error
	failCASLeft int
}

// MemStats counts statements by kind, keyed to the allocator's templates.
type MemStats struct {
	Selects       int64
	RowChecks     int64
	Inserts       int64
	CasAttempts   int64
	CasSuccesses  int64
	FloorAdvances int64
	Resets        int64
}

var _ SeqDB = &MemSeqDB{}

func NewMemSeqDB(clock Clock) *MemSeqDB {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemSeqDB{
		Tables: map[string]bool{},
		Rows:   map[string]*SequenceRow{},
		clock:  clock,
	}
}

// SetFailure makes every subsequent statement fail with err until cleared
// with nil.
func (q *MemSeqDB) SetFailure(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failure = err
}

// FailNextCAS forces the next n conditional updates to match zero rows,
// simulating refill races lost to another allocator instance.
func (q *MemSeqDB) FailNextCAS(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failCASLeft = n
}

func (q *MemSeqDB) Stats() MemStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stats
}

func (q *MemSeqDB) ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failure != nil {
		return 0, q.failure
	}

	switch {
	case strings.HasPrefix(query, "INSERT INTO "):
		table := tableToken(query, "INSERT INTO ")
		if !q.Tables[table] {
			return 0, fmt.Errorf("memseqdb: relation %q does not exist", table)
		}
		name, ok := args[0].(string)
		if !ok {
			return 0, fmt.Errorf("memseqdb: seq_name must be a string, got %T", args[0])
		}
		key := table + "/" + name
		if _, dup := q.Rows[key]; dup {
			return 0, fmt.Errorf("memseqdb: duplicate key %q violates unique constraint", name)
		}
		q.stats.Inserts++
		q.Rows[key] = &SequenceRow{
			SeqName:    name,
			NextVal:    asInt64(args[1]),
			UpdateTime: args[2].(time.Time),
			CreateTime: args[3].(time.Time),
		}
		return 1, nil

	case strings.HasPrefix(query, "UPDATE "):
		table := tableToken(query, "UPDATE ")
		if !q.Tables[table] {
			return 0, fmt.Errorf("memseqdb: relation %q does not exist", table)
		}

		switch {
		case strings.HasSuffix(query, "WHERE next_val = ? AND seq_name = ?"):
			q.stats.CasAttempts++
			if q.failCASLeft > 0 {
				q.failCASLeft--
				return 0, nil
			}
			newVal, ts, expected := asInt64(args[0]), args[1].(time.Time), asInt64(args[2])
			row, found := q.Rows[table+"/"+args[3].(string)]
			if !found || row.NextVal != expected {
				return 0, nil
			}
			row.NextVal = newVal
			row.UpdateTime = ts
			q.stats.CasSuccesses++
			return 1, nil

		case strings.HasSuffix(query, "WHERE seq_name = ? AND next_val < ?"):
			q.stats.FloorAdvances++
			newVal, ts, floor := asInt64(args[0]), args[1].(time.Time), asInt64(args[3])
			row, found := q.Rows[table+"/"+args[2].(string)]
			if !found || row.NextVal >= floor {
				return 0, nil
			}
			row.NextVal = newVal
			row.UpdateTime = ts
			return 1, nil

		case strings.HasSuffix(query, "WHERE seq_name = ?"):
			q.stats.Resets++
			newVal, ts := asInt64(args[0]), args[1].(time.Time)
			row, found := q.Rows[table+"/"+args[2].(string)]
			if !found {
				return 0, nil
			}
			row.NextVal = newVal
			row.UpdateTime = ts
			return 1, nil
		}
	}

	return 0, fmt.Errorf("memseqdb: unrecognized statement: %s", query)
}

func (q *MemSeqDB) QueryScalarInt64(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failure != nil {
		return 0, false, q.failure
	}

	if strings.HasPrefix(query, "SELECT next_val FROM ") {
		table := tableToken(query, "SELECT next_val FROM ")
		if !q.Tables[table] {
			return 0, false, fmt.Errorf("memseqdb: relation %q does not exist", table)
		}
		q.stats.Selects++
		row, found := q.Rows[table+"/"+args[0].(string)]
		if !found {
			return 0, false, nil
		}
		return row.NextVal, true, nil
	}

	return 0, false, fmt.Errorf("memseqdb: unrecognized scalar query: %s", query)
}

func (q *MemSeqDB) QueryScalarInt(ctx context.Context, query string, args ...interface{}) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failure != nil {
		return 0, false, q.failure
	}

	if strings.HasPrefix(query, "SELECT 1 FROM ") {
		table := tableToken(query, "SELECT 1 FROM ")
		if !q.Tables[table] {
			return 0, false, fmt.Errorf("memseqdb: relation %q does not exist", table)
		}
		q.stats.RowChecks++
		if _, found := q.Rows[table+"/"+args[0].(string)]; found {
			return 1, true, nil
		}
		return 0, false, nil
	}

	return 0, false, fmt.Errorf("memseqdb: unrecognized scalar query: %s", query)
}

func (q *MemSeqDB) Acquire(ctx context.Context) (SeqConn, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.failure != nil {
		return nil, q.failure
	}
	return &memSeqConn{db: q}, nil
}

func (q *MemSeqDB) Now() time.Time {
	return q.clock.Now()
}

func (q *MemSeqDB) Close() error {
	return nil
}

type memSeqConn struct {
	db *MemSeqDB
}

var _ SeqConn = &memSeqConn{}

func (c *memSeqConn) ExecuteUpdate(ctx context.Context, query string, args ...interface{}) (int64, error) {
	return c.db.ExecuteUpdate(ctx, query, args...)
}

func (c *memSeqConn) QueryScalarInt64(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	return c.db.QueryScalarInt64(ctx, query, args...)
}

func (c *memSeqConn) QueryScalarInt(ctx context.Context, query string, args ...interface{}) (int, bool, error) {
	return c.db.QueryScalarInt(ctx, query, args...)
}

func (c *memSeqConn) TableExists(ctx context.Context, table string) (bool, error) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	if c.db.failure != nil {
		return false, c.db.failure
	}
	return c.db.Tables[table], nil
}

func (c *memSeqConn) CreateTable(ctx context.Context, ddl string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failure != nil {
		return c.db.failure
	}
	table := tableToken(ddl, "CREATE TABLE ")
	if c.db.Tables[table] {
		return fmt.Errorf("memseqdb: relation %q already exists", table)
	}
	c.db.Tables[table] = true
	return nil
}

func (c *memSeqConn) Release() error {
	return nil
}

func tableToken(query, prefix string) string {
	rest := strings.TrimPrefix(query, prefix)
	for i := 0; i < len(rest); i++ {
		if rest[i] == ' ' || rest[i] == '(' {
			return rest[:i]
		}
	}
	return rest
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	default:
		panic(fmt.Sprintf("memseqdb: expected integer argument, got %T", v))
	}
}
