package execlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(logID, areaName string) Record {
	return Record{
		LogUniqueID:      logID,
		ExecutionID:      "E1",
		ExecutionDt:      "2026-03-10T12:00:00Z",
		CollectionID:     "C1",
		AreaID:           "A1",
		AreaName:         areaName,
		SearchRangeStart: "2026-03-03T00:00:00Z",
		SearchRangeEnd:   "2026-03-10T23:59:59Z",
		MetaFileID:       "meta-" + logID,
		MetaFileDt:       "2026-03-10T12:00:01Z",
		MetaFileName:     "/data/C1/20260305/A1/item.json",
	}
}

func TestAppendAndReadLocalRoundtrip(t *testing.T) {
	s := NewStore(nil, t.TempDir(), "PlanetaryComputer")

	// Delimiters and quotes inside fields must survive the trip.
	in := []Record{
		testRecord("l1", `Rio de Janeiro, RJ`),
		testRecord("l2", `Praia "Grande"`),
	}
	require.NoError(t, s.Append("E1", "C1", in))

	out, err := readLocal(s.path("C1", "E1"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].AreaName, out[0].AreaName)
	assert.Equal(t, in[1].AreaName, out[1].AreaName)
	assert.Equal(t, in[0].LogUniqueID, out[0].LogUniqueID)
	assert.Equal(t, in[1].MetaFileName, out[1].MetaFileName)
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	s := NewStore(nil, t.TempDir(), "PlanetaryComputer")

	require.NoError(t, s.Append("E1", "C1", []Record{testRecord("l1", "A")}))
	require.NoError(t, s.Append("E1", "C1", []Record{testRecord("l2", "B")}))

	b, err := os.ReadFile(s.path("C1", "E1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(header, ","), lines[0])
}

func TestAppendNothingLeavesNoFile(t *testing.T) {
	s := NewStore(nil, t.TempDir(), "PlanetaryComputer")
	require.NoError(t, s.Append("E1", "C1", nil))
	_, err := os.Stat(s.path("C1", "E1"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalLogPathNaming(t *testing.T) {
	s := NewStore(nil, "/log", "PlanetaryComputer")
	assert.Equal(t, "/log/PlanetaryComputer_C1_E1.csv", s.path("C1", "E1"))
}

func TestDistinctIDsCountsUniqueIdentities(t *testing.T) {
	recs := []Record{
		testRecord("l1", "A"),
		testRecord("l1", "A"),
		testRecord("l2", "B"),
	}
	assert.Equal(t, 2, distinctIDs(recs))
}

func TestReadLocalMissingFile(t *testing.T) {
	_, err := readLocal("/does/not/exist.csv")
	assert.True(t, os.IsNotExist(err))
}

// memDB is an in-memory stand-in for the metafiles_log table, wired to the
// four statements the store issues.
type memDB struct {
	rows []memRow
}

type memRow struct {
	logID      string
	execID     string
	collID     string
	metaFile   string
	dispatched bool
}

func (db *memDB) insert(logID, execID, collID, metaFile string) bool {
	for _, r := range db.rows {
		if r.logID == logID {
			return false
		}
	}
	db.rows = append(db.rows, memRow{logID: logID, execID: execID, collID: collID, metaFile: metaFile})
	return true
}

func (db *memDB) Begin(_ context.Context) (pgx.Tx, error) { return &memTx{db: db}, nil }

func (db *memDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	execID, metaFile := args[0].(string), args[1].(string)
	n := 0
	for i := range db.rows {
		if db.rows[i].execID == execID && db.rows[i].metaFile == metaFile && !db.rows[i].dispatched {
			db.rows[i].dispatched = true
			n++
		}
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

func (db *memDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	execID, collID := args[0].(string), args[1].(string)
	n := 0
	for _, r := range db.rows {
		if r.execID == execID && r.collID == collID {
			n++
		}
	}
	return intRow{n: n}
}

func (db *memDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	execID, collID := args[0].(string), args[1].(string)
	seen := make(map[string]bool)
	var files []string
	for _, r := range db.rows {
		if r.execID == execID && r.collID == collID && !r.dispatched && !seen[r.metaFile] {
			seen[r.metaFile] = true
			files = append(files, r.metaFile)
		}
	}
	sort.Strings(files)
	return &stringRows{vals: files}, nil
}

type memTx struct{ db *memDB }

func (t *memTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *memTx) Commit(_ context.Context) error          { return nil }
func (t *memTx) Rollback(_ context.Context) error        { return nil }
func (t *memTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}
func (t *memTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	return &memBatch{db: t.db, queries: b.QueuedQueries}
}
func (t *memTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (t *memTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}
func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}
func (t *memTx) Conn() *pgx.Conn { return nil }

type memBatch struct {
	db      *memDB
	queries []*pgx.QueuedQuery
	i       int
}

func (b *memBatch) Exec() (pgconn.CommandTag, error) {
	q := b.queries[b.i]
	b.i++
	// Insert statement argument order: log_unique_id, execution_id, ...,
	// collection_id at $4, meta_file_name at $11.
	if b.db.insert(q.Arguments[0].(string), q.Arguments[1].(string), q.Arguments[3].(string), q.Arguments[10].(string)) {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 0"), nil
}
func (b *memBatch) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (b *memBatch) QueryRow() pgx.Row        { return nil }
func (b *memBatch) Close() error             { return nil }

type intRow struct{ n int }

func (r intRow) Scan(dest ...any) error {
	*(dest[0].(*int)) = r.n
	return nil
}

type stringRows struct {
	vals []string
	i    int
}

func (r *stringRows) Next() bool { r.i++; return r.i <= len(r.vals) }
func (r *stringRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.vals[r.i-1]
	return nil
}
func (r *stringRows) Close()                                       {}
func (r *stringRows) Err() error                                   { return nil }
func (r *stringRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stringRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stringRows) Values() ([]any, error)                       { return nil, nil }
func (r *stringRows) RawValues() [][]byte                          { return nil }
func (r *stringRows) Conn() *pgx.Conn                              { return nil }

func TestReconcileFlushesAndRemovesLocalLog(t *testing.T) {
	db := &memDB{}
	s := NewStore(db, t.TempDir(), "PlanetaryComputer")
	r1 := testRecord("l1", "A")
	r1.MetaFileName = "/data/C1/20260305/A1/i1.json"
	r2 := testRecord("l2", "B")
	r2.MetaFileName = "/data/C1/20260305/A1/i2.json"
	require.NoError(t, s.Append("E1", "C1", []Record{r1, r2}))

	files, err := s.Reconcile(context.Background(), "E1", "C1")
	require.NoError(t, err)
	assert.Equal(t, []string{r1.MetaFileName, r2.MetaFileName}, files)
	assert.Len(t, db.rows, 2)

	_, statErr := os.Stat(s.path("C1", "E1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReconcileIsIdempotentAfterPartialRun(t *testing.T) {
	db := &memDB{}
	s := NewStore(db, t.TempDir(), "PlanetaryComputer")
	recs := []Record{testRecord("l1", "A"), testRecord("l2", "B")}
	// An earlier attempt already flushed every identity before crashing.
	for _, r := range recs {
		db.insert(r.LogUniqueID, r.ExecutionID, r.CollectionID, r.MetaFileName)
	}
	require.NoError(t, s.Append("E1", "C1", recs))

	files, err := s.Reconcile(context.Background(), "E1", "C1")
	require.NoError(t, err)
	assert.Len(t, db.rows, 2)
	assert.Equal(t, []string{recs[0].MetaFileName}, files)

	_, statErr := os.Stat(s.path("C1", "E1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReconcileKeepsLocalLogOnCountMismatch(t *testing.T) {
	db := &memDB{}
	s := NewStore(db, t.TempDir(), "PlanetaryComputer")
	db.insert("l9", "E1", "C1", "/data/C1/20260301/A9/old.json")
	require.NoError(t, s.Append("E1", "C1", []Record{testRecord("l1", "A")}))

	_, err := s.Reconcile(context.Background(), "E1", "C1")
	require.NoError(t, err)

	// Durable count (2) disagrees with the local log's identities (1), so
	// the CSV stays for the next attempt.
	_, statErr := os.Stat(s.path("C1", "E1"))
	assert.NoError(t, statErr)
}

func TestReconcileWithoutLocalLogStillReturnsPending(t *testing.T) {
	db := &memDB{}
	s := NewStore(db, t.TempDir(), "PlanetaryComputer")
	db.insert("l1", "E1", "C1", "/data/C1/b.json")
	db.insert("l2", "E1", "C1", "/data/C1/a.json")

	files, err := s.Reconcile(context.Background(), "E1", "C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/C1/a.json", "/data/C1/b.json"}, files)
}

func TestMarkDispatchedRemovesFromCandidates(t *testing.T) {
	db := &memDB{}
	s := NewStore(db, t.TempDir(), "PlanetaryComputer")
	db.insert("l1", "E1", "C1", "/data/C1/a.json")
	db.insert("l2", "E1", "C1", "/data/C1/b.json")

	require.NoError(t, s.MarkDispatched(context.Background(), "E1", "/data/C1/a.json"))

	files, err := s.pending(context.Background(), "E1", "C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/C1/b.json"}, files)
}
