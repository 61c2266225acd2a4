package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"proctord/internal/proctor"
)

// Store represents the SQLite violation store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
// busyTimeout of zero uses the driver default.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL"
	if busyTimeout > 0 {
		dsn += fmt.Sprintf("&_busy_timeout=%d", busyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertViolation inserts a violation and returns its ID.
func (s *Store) InsertViolation(ctx context.Context, v *Violation) (int64, error) {
	details, err := json.Marshal(v.Details)
	if err != nil {
		return 0, fmt.Errorf("encode details: %w", err)
	}
	if v.Details == nil {
		details = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (session_id, user_id, exam_id, kind, occurred_at_ns, client_context, current_url, details_json, violation_count, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.SessionID, v.UserID, v.ExamID, string(v.Kind), v.OccurredAt.UnixNano(),
		v.ClientContext, v.CurrentURL, string(details), v.ViolationCount, int64(v.Sequence),
	)
	if err != nil {
		return 0, fmt.Errorf("insert violation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	v.ID = id
	return id, nil
}

// GetViolation retrieves a violation by ID.
func (s *Store) GetViolation(ctx context.Context, id int64) (*Violation, error) {
	rows, err := s.db.QueryContext(ctx, violationColumns+` FROM violations WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get violation: %w", err)
	}
	defer rows.Close()

	vs, err := scanViolations(rows)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	return &vs[0], nil
}

const violationColumns = `
	SELECT id, session_id, user_id, exam_id, kind, occurred_at_ns, client_context, current_url, details_json, violation_count, sequence`

// ListViolations returns violations matching f, oldest first.
func (s *Store) ListViolations(ctx context.Context, f ViolationFilter) ([]Violation, error) {
	var (
		where []string
		args  []any
	)
	if f.ExamID != "" {
		where = append(where, "exam_id = ?")
		args = append(args, f.ExamID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at_ns <= ?")
		args = append(args, f.Until.UnixNano())
	}

	query := violationColumns + " FROM violations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at_ns ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	return scanViolations(rows)
}

func scanViolations(rows *sql.Rows) ([]Violation, error) {
	var out []Violation
	for rows.Next() {
		var (
			v       Violation
			kind    string
			atNs    int64
			details string
			seq     int64
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &v.UserID, &v.ExamID, &kind, &atNs,
			&v.ClientContext, &v.CurrentURL, &details, &v.ViolationCount, &seq); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Kind = proctor.Kind(kind)
		v.OccurredAt = time.Unix(0, atNs).UTC()
		v.Sequence = uint64(seq)
		if err := json.Unmarshal([]byte(details), &v.Details); err != nil {
			return nil, fmt.Errorf("decode details of violation %d: %w", v.ID, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// InsertBlock records a block transition and returns its ID.
func (s *Store) InsertBlock(ctx context.Context, b *Block) (int64, error) {
	forced := 0
	if b.Forced {
		forced = 1
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (session_id, user_id, exam_id, count, forced, blocked_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.SessionID, b.UserID, b.ExamID, b.Count, forced, b.BlockedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert block: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	b.ID = id
	return id, nil
}

// ListBlocks returns the blocks of an exam, oldest first. An empty examID
// lists all blocks.
func (s *Store) ListBlocks(ctx context.Context, examID string) ([]Block, error) {
	query := `SELECT id, session_id, user_id, exam_id, count, forced, blocked_at_ns FROM blocks`
	var args []any
	if examID != "" {
		query += " WHERE exam_id = ?"
		args = append(args, examID)
	}
	query += " ORDER BY blocked_at_ns ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var (
			b      Block
			forced int
			atNs   int64
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.UserID, &b.ExamID, &b.Count, &forced, &atNs); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Forced = forced != 0
		b.BlockedAt = time.Unix(0, atNs).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// ExamSummary aggregates an exam's violations per kind and per student.
// Returns ErrNotFound when the exam has neither violations nor blocks.
func (s *Store) ExamSummary(ctx context.Context, examID string) (*ExamSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, kind, COUNT(*), MAX(occurred_at_ns)
		FROM violations
		WHERE exam_id = ?
		GROUP BY user_id, kind`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	sum := &ExamSummary{ExamID: examID, ByKind: make(map[proctor.Kind]int)}
	students := make(map[string]*StudentSummary)

	student := func(userID string) *StudentSummary {
		st, ok := students[userID]
		if !ok {
			st = &StudentSummary{UserID: userID, ByKind: make(map[proctor.Kind]int)}
			students[userID] = st
		}
		return st
	}

	for rows.Next() {
		var (
			userID, kindStr string
			n               int
			lastNs          int64
		)
		if err := rows.Scan(&userID, &kindStr, &n, &lastNs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		kind := proctor.Kind(kindStr)

		st := student(userID)
		st.Total += n
		st.ByKind[kind] += n
		if kind.Severity().Rank() > st.MaxSeverity.Rank() {
			st.MaxSeverity = kind.Severity()
		}
		if last := time.Unix(0, lastNs).UTC(); last.After(st.LastAt) {
			st.LastAt = last
		}

		sum.Total += n
		sum.ByKind[kind] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}

	blocks, err := s.ListBlocks(ctx, examID)
	if err != nil {
		return nil, err
	}
	sum.Blocks = len(blocks)
	for _, b := range blocks {
		student(b.UserID).Blocked = true
	}

	if len(students) == 0 {
		return nil, ErrNotFound
	}

	for _, st := range students {
		sum.Students = append(sum.Students, *st)
	}
	sort.Slice(sum.Students, func(i, j int) bool {
		a, b := sum.Students[i], sum.Students[j]
		if a.MaxSeverity.Rank() != b.MaxSeverity.Rank() {
			return a.MaxSeverity.Rank() > b.MaxSeverity.Rank()
		}
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.UserID < b.UserID
	})
	return sum, nil
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
