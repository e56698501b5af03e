package execlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"geoimages/internal/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of a pgx pool the store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one line of search activity: one catalog item discovered by one
// (collection, area) query. Saved is bookkeeping for run stats and is not
// part of the log row.
type Record struct {
	LogUniqueID      string
	ExecutionID      string
	ExecutionDt      string
	CollectionID     string
	AreaID           string
	AreaName         string
	SearchRangeStart string
	SearchRangeEnd   string
	MetaFileID       string
	MetaFileDt       string
	MetaFileName     string

	Saved bool
}

// header matches the metafiles_log column order.
var header = []string{
	"log_unique_id",
	"execution_id",
	"execution_dt",
	"collection_id",
	"interest_bbox_id",
	"interest_bbox_name",
	"search_range_start_dt",
	"search_range_end_dt",
	"meta_file_id",
	"meta_file_dt",
	"meta_file_name",
}

func (r Record) row() []string {
	return []string{
		r.LogUniqueID,
		r.ExecutionID,
		r.ExecutionDt,
		r.CollectionID,
		r.AreaID,
		r.AreaName,
		r.SearchRangeStart,
		r.SearchRangeEnd,
		r.MetaFileID,
		r.MetaFileDt,
		r.MetaFileName,
	}
}

// Store stages log records in a per-(collection, execution) local CSV and
// reconciles them into the durable metafiles_log table. The CSV is a
// transient buffer: it is removed only once the database confirms every
// logged identity is persisted.
type Store struct {
	db      DB
	logDir  string
	sysName string
	log     *logger.Logger
}

func NewStore(db DB, logDir, sysName string) *Store {
	return &Store{db: db, logDir: logDir, sysName: sysName, log: logger.New("ExecLog")}
}

func (s *Store) path(collectionID, executionID string) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%s_%s_%s.csv", s.sysName, collectionID, executionID))
}

// Append writes records to the local CSV, creating it with a header when
// absent. Fields are quoted as needed by the CSV writer.
func (s *Store) Append(executionID, collectionID string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	p := s.path(collectionID, executionID)
	_, statErr := os.Stat(p)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open local log %s: %w", p, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write log header: %w", err)
		}
	}
	for _, r := range recs {
		if err := w.Write(r.row()); err != nil {
			return fmt.Errorf("write log row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// Reconcile flushes the local CSV for (executionID, collectionID) into the
// durable table, deletes the CSV once the table provably holds every logged
// identity, and returns the metadata file paths still awaiting dispatch.
// Candidates are re-derived from durable state, so dispatch is resumable
// after a crash between ingestion and dispatch.
func (s *Store) Reconcile(ctx context.Context, executionID, collectionID string) ([]string, error) {
	p := s.path(collectionID, executionID)
	recs, err := readLocal(p)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read local log %s: %w", p, err)
	}

	if len(recs) > 0 {
		inserted, conflicted, err := s.flush(ctx, recs)
		if err != nil {
			return nil, fmt.Errorf("flush local log %s: %w", p, err)
		}
		s.log.LogInfof("%s/%s: flushed %d rows (%d inserted, %d already present)",
			collectionID, executionID, len(recs), inserted, conflicted)

		durable, err := s.countDurable(ctx, executionID, collectionID)
		if err != nil {
			return nil, err
		}
		distinct := distinctIDs(recs)
		if durable == distinct {
			if err := os.Remove(p); err != nil {
				return nil, fmt.Errorf("remove local log %s: %w", p, err)
			}
			s.log.LogDebugf("%s/%s: local log removed (%d rows durable)", collectionID, executionID, durable)
		} else {
			// Evidence of unflushed work; keep the file for the next attempt.
			s.log.LogWarnf("%s/%s: durable count %d != logged %d, keeping local log",
				collectionID, executionID, durable, distinct)
		}
	}

	return s.pending(ctx, executionID, collectionID)
}

// flush inserts records by log_unique_id inside one transaction. Duplicate
// identities are an expected idempotent outcome and reported as conflicts,
// not errors.
func (s *Store) flush(ctx context.Context, recs []Record) (inserted, conflicted int, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(`INSERT INTO metafiles_log
			(log_unique_id, execution_id, execution_dt, collection_id,
			 interest_bbox_id, interest_bbox_name,
			 search_range_start_dt, search_range_end_dt,
			 meta_file_id, meta_file_dt, meta_file_name)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (log_unique_id) DO NOTHING`,
			r.LogUniqueID, r.ExecutionID, r.ExecutionDt, r.CollectionID,
			r.AreaID, r.AreaName,
			r.SearchRangeStart, r.SearchRangeEnd,
			r.MetaFileID, r.MetaFileDt, r.MetaFileName,
		)
	}
	br := tx.SendBatch(ctx, b)
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, 0, err
		}
		if tag.RowsAffected() > 0 {
			inserted++
		} else {
			conflicted++
		}
	}
	if err := br.Close(); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return inserted, conflicted, nil
}

func (s *Store) countDurable(ctx context.Context, executionID, collectionID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM metafiles_log WHERE execution_id = $1 AND collection_id = $2`,
		executionID, collectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count durable rows: %w", err)
	}
	return n, nil
}

// pending returns the distinct metadata file paths of this execution and
// collection that have not yet been fully dispatched, sorted ascending.
func (s *Store) pending(ctx context.Context, executionID, collectionID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT meta_file_name FROM metafiles_log
		 WHERE execution_id = $1 AND collection_id = $2 AND dispatched_at IS NULL
		 ORDER BY meta_file_name`,
		executionID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("query pending files: %w", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// MarkDispatched stamps every row of a metadata file once its image assets
// have all been published, removing it from future candidate sets.
func (s *Store) MarkDispatched(ctx context.Context, executionID, metaFile string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE metafiles_log SET dispatched_at = now()
		 WHERE execution_id = $1 AND meta_file_name = $2 AND dispatched_at IS NULL`,
		executionID, metaFile)
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", metaFile, err)
	}
	return nil
}

func readLocal(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	head, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(head) != len(header) {
		return nil, fmt.Errorf("unexpected header width %d", len(head))
	}

	var recs []Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, Record{
			LogUniqueID:      row[0],
			ExecutionID:      row[1],
			ExecutionDt:      row[2],
			CollectionID:     row[3],
			AreaID:           row[4],
			AreaName:         row[5],
			SearchRangeStart: row[6],
			SearchRangeEnd:   row[7],
			MetaFileID:       row[8],
			MetaFileDt:       row[9],
			MetaFileName:     row[10],
		})
	}
	return recs, nil
}

func distinctIDs(recs []Record) int {
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		seen[r.LogUniqueID] = struct{}{}
	}
	return len(seen)
}
