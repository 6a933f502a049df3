package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"sage/internal/domain"
	"sage/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	context_id INTEGER NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	incomplete INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS contexts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	text TEXT NOT NULL,
	confidence REAL NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_turns_ts ON turns(ts);
CREATE INDEX IF NOT EXISTS idx_contexts_ts ON contexts(ts);
`

// SQLite keeps history in two append-only tables. Writes go through one
// connection; file databases read through a separate query-only pool so a
// long prune never stalls History or Stats.
type SQLite struct {
	db   *sql.DB
	read *sql.DB

	writeMu sync.Mutex
	closed  bool
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if path == ":memory:" {
		return &SQLite{db: db, read: db}, nil
	}

	read, err := sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	read.SetMaxOpenConns(4)
	if err := read.Ping(); err != nil {
		read.Close()
		db.Close()
		return nil, fmt.Errorf("ping read pool: %w", err)
	}
	return &SQLite{db: db, read: read}, nil
}

func (s *SQLite) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return domain.Turn{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return domain.Turn{}, writeErr(errClosed)
	}

	turn.Timestamp = stamp(turn.Timestamp)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (ts, role, text, context_id, request_id, incomplete)
		VALUES (?, ?, ?, ?, ?, ?)
	`, turn.Timestamp.UnixNano(), string(turn.Role), turn.Text, int64(turn.ContextID), turn.RequestID, turn.Incomplete)
	if err != nil {
		return domain.Turn{}, writeErr(fmt.Errorf("insert turn: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Turn{}, writeErr(err)
	}
	turn.ID = uint64(id)
	return turn, nil
}

func (s *SQLite) AppendContext(ctx context.Context, sc domain.ScreenContext) (domain.ScreenContext, error) {
	if err := validateContext(sc); err != nil {
		return domain.ScreenContext{}, err
	}
	region := ""
	if !sc.Region.IsZero() {
		encoded, err := sonic.MarshalString(sc.Region)
		if err != nil {
			return domain.ScreenContext{}, writeErr(err)
		}
		region = encoded
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return domain.ScreenContext{}, writeErr(errClosed)
	}

	sc.Timestamp = stamp(sc.Timestamp)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (ts, text, confidence, region, fingerprint)
		VALUES (?, ?, ?, ?, ?)
	`, sc.Timestamp.UnixNano(), sc.Text, sc.Confidence, region, sc.Fingerprint)
	if err != nil {
		return domain.ScreenContext{}, writeErr(fmt.Errorf("insert context: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ScreenContext{}, writeErr(err)
	}
	sc.ID = uint64(id)
	return sc, nil
}

func (s *SQLite) QueryTurns(ctx context.Context, q ports.TurnQuery) ([]domain.Turn, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT id, ts, role, text, context_id, request_id, incomplete FROM turns`)

	if q.FromID == 0 && q.ToID == 0 {
		if q.Limit > 0 {
			// Newest N, returned oldest first.
			query.Reset()
			query.WriteString(`SELECT * FROM (
				SELECT id, ts, role, text, context_id, request_id, incomplete
				FROM turns ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`)
			args = append(args, q.Limit)
		} else {
			query.WriteString(` ORDER BY id ASC`)
		}
	} else {
		query.WriteString(` WHERE id >= ?`)
		args = append(args, int64(q.FromID))
		if q.ToID > 0 {
			query.WriteString(` AND id <= ?`)
			args = append(args, int64(q.ToID))
		}
		query.WriteString(` ORDER BY id ASC`)
		if q.Limit > 0 {
			query.WriteString(` LIMIT ?`)
			args = append(args, q.Limit)
		}
	}

	rows, err := s.read.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t         domain.Turn
			id, ts    int64
			contextID int64
			role      string
		)
		if err := rows.Scan(&id, &ts, &role, &t.Text, &contextID, &t.RequestID, &t.Incomplete); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ID = uint64(id)
		t.Timestamp = time.Unix(0, ts).UTC()
		t.Role = domain.Role(role)
		t.ContextID = uint64(contextID)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLite) RecentContexts(ctx context.Context, limit int) ([]domain.ScreenContext, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, ts, text, confidence, region, fingerprint
		FROM contexts
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query contexts: %w", err)
	}
	defer rows.Close()

	var contexts []domain.ScreenContext
	for rows.Next() {
		var (
			sc     domain.ScreenContext
			id, ts int64
			region string
		)
		if err := rows.Scan(&id, &ts, &sc.Text, &sc.Confidence, &region, &sc.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		sc.ID = uint64(id)
		sc.Timestamp = time.Unix(0, ts).UTC()
		if region != "" {
			if err := sonic.UnmarshalString(region, &sc.Region); err != nil {
				return nil, fmt.Errorf("decode region: %w", err)
			}
		}
		contexts = append(contexts, sc)
	}
	return contexts, rows.Err()
}

func (s *SQLite) Prune(ctx context.Context, policy ports.PrunePolicy) (ports.PruneResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ports.PruneResult{}, writeErr(errClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.PruneResult{}, writeErr(err)
	}
	defer tx.Rollback()

	var result ports.PruneResult
	cutoff := pruneCutoff(policy)
	if result.Turns, err = pruneTable(ctx, tx, "turns", policy.MaxTurns, cutoff); err != nil {
		return ports.PruneResult{}, writeErr(err)
	}
	if result.Contexts, err = pruneTable(ctx, tx, "contexts", policy.MaxContexts, cutoff); err != nil {
		return ports.PruneResult{}, writeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return ports.PruneResult{}, writeErr(err)
	}
	return result, nil
}

func pruneTable(ctx context.Context, tx *sql.Tx, table string, maxCount int, cutoff time.Time) (int, error) {
	removed := 0
	if !cutoff.IsZero() {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, cutoff.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune %s by age: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if maxCount > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM `+table+` WHERE id NOT IN (
				SELECT id FROM `+table+` ORDER BY id DESC LIMIT ?
			)`, maxCount)
		if err != nil {
			return 0, fmt.Errorf("prune %s by count: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

func (s *SQLite) Stats(ctx context.Context) (ports.StoreStats, error) {
	var (
		stats            ports.StoreStats
		lastTurn, lastSC sql.NullInt64
	)
	row := s.read.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM turns),
			(SELECT COUNT(*) FROM contexts),
			(SELECT seq FROM sqlite_sequence WHERE name = 'turns'),
			(SELECT seq FROM sqlite_sequence WHERE name = 'contexts')
	`)
	if err := row.Scan(&stats.Turns, &stats.Contexts, &lastTurn, &lastSC); err != nil {
		return ports.StoreStats{}, fmt.Errorf("read stats: %w", err)
	}
	stats.LastTurnID = uint64(lastTurn.Int64)
	stats.LastContext = uint64(lastSC.Int64)
	return stats, nil
}

func (s *SQLite) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.read != s.db {
		err = s.read.Close()
	}
	return multierr.Append(err, s.db.Close())
}
