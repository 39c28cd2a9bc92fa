package facts

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"factdb/pkg/logger"
	"factdb/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS facts (
	owner_ts    INTEGER NOT NULL,
	owner_actor INTEGER NOT NULL,
	owner_space INTEGER NOT NULL,
	id_ts       INTEGER NOT NULL,
	id_actor    INTEGER NOT NULL,
	id_space    INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	num         INTEGER NOT NULL,
	txt         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner_ts, owner_actor, owner_space, id_ts, id_actor, id_space, kind, num)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS facts_by_id ON facts (id_ts, id_actor, id_space, kind);
CREATE INDEX IF NOT EXISTS facts_by_kind_ts ON facts (kind, id_ts);
`

// SQLiteStore is the relational Store backend. The facts table carries a
// unique index over the full 8-tuple, so the primary-key invariant is
// enforced by the engine rather than by key encoding.
type SQLiteStore struct {
	db   *sql.DB
	path string

	wmu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (or creates) a sqlite-backed store at path. Use
// ":memory:" for an in-memory store (tests).
func OpenSQLite(path string) (*SQLiteStore, error) {
	logger.Log.Info("opening_sqlite_store", zap.String("path", path))
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite has a single writer anyway and this keeps
	// in-memory databases on a stable connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		logger.Log.Error("sqlite_schema_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	logger.Log.Info("sqlite_store_opened", zap.String("path", path))
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return err
	}
	logger.Log.Info("sqlite_store_closed", zap.String("path", s.path))
	return nil
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *SQLiteStore) Begin() (Tx, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.wmu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.wmu.Unlock()
		return nil, err
	}
	return &sqliteTx{s: s, tx: tx}, nil
}

func (s *SQLiteStore) Select(q Query) ([]models.Fact, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return sqliteSelect(s.db, q)
}

func (s *SQLiteStore) SelectOne(q Query) (*models.Fact, error) {
	return selectOne(s.Select, q)
}

type sqliteTx struct {
	s    *SQLiteStore
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) finish() {
	if !t.done {
		t.done = true
		t.s.wmu.Unlock()
	}
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrClosed
	}
	err := t.tx.Commit()
	t.finish()
	return err
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	err := t.tx.Rollback()
	t.finish()
	return err
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const insertSQL = `INSERT INTO facts
	(owner_ts, owner_actor, owner_space, id_ts, id_actor, id_space, kind, num, txt)
	VALUES (?,?,?,?,?,?,?,?,?)`

func pkArgs(f *models.Fact) []any {
	return []any{f.Owner.TS, f.Owner.Actor, f.Owner.Space, f.ID.TS, f.ID.Actor, f.ID.Space, int64(f.Kind), f.Num}
}

func (t *sqliteTx) Insert(rows ...models.Fact) error {
	if t.done {
		return ErrClosed
	}
	for i := range rows {
		f := rows[i]
		args := append(pkArgs(&f), f.Txt)
		if _, err := t.tx.Exec(insertSQL, args...); err != nil {
			if isUniqueErr(err) {
				obsConstraint("sqlite")
				return fmt.Errorf("%w: kind=%s owner=%v id=%v num=%d",
					ErrConstraint, f.Kind, f.Owner, f.ID, f.Num)
			}
			return err
		}
	}
	obsOp("sqlite", "insert", len(rows))
	return nil
}

func (t *sqliteTx) Select(q Query) ([]models.Fact, error) {
	if t.done {
		return nil, ErrClosed
	}
	return sqliteSelect(t.tx, q)
}

func (t *sqliteTx) SelectOne(q Query) (*models.Fact, error) {
	return selectOne(t.Select, q)
}

const deleteByPK = `DELETE FROM facts WHERE
	owner_ts=? AND owner_actor=? AND owner_space=? AND
	id_ts=? AND id_actor=? AND id_space=? AND kind=? AND num=?`

func (t *sqliteTx) Update(q Query, p Patch) (int, error) {
	if t.done {
		return 0, ErrClosed
	}
	rows, err := sqliteSelect(t.tx, q)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		old := rows[i]
		nf := p.apply(old)
		if _, err := t.tx.Exec(deleteByPK, pkArgs(&old)...); err != nil {
			return 0, err
		}
		args := append(pkArgs(&nf), nf.Txt)
		if _, err := t.tx.Exec(insertSQL, args...); err != nil {
			if isUniqueErr(err) {
				obsConstraint("sqlite")
				return 0, fmt.Errorf("%w: update target exists: kind=%s id=%v num=%d",
					ErrConstraint, nf.Kind, nf.ID, nf.Num)
			}
			return 0, err
		}
	}
	obsOp("sqlite", "update", len(rows))
	return len(rows), nil
}

func (t *sqliteTx) Delete(q Query) (int, error) {
	if t.done {
		return 0, ErrClosed
	}
	where, args := compileWhere(q.Where)
	res, err := t.tx.Exec("DELETE FROM facts WHERE "+where, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	obsOp("sqlite", "delete", int(n))
	return int(n), nil
}

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

var fieldCols = map[Field]string{
	FOwnerTS:    "owner_ts",
	FOwnerActor: "owner_actor",
	FOwnerSpace: "owner_space",
	FIDTS:       "id_ts",
	FIDActor:    "id_actor",
	FIDSpace:    "id_space",
	FKind:       "kind",
	FNum:        "num",
	FTxt:        "txt",
}

func compileWhere(where []Pred) (string, []any) {
	if len(where) == 0 {
		return "1=1", nil
	}
	var (
		parts []string
		args  []any
	)
	for _, p := range where {
		col := fieldCols[p.Field]
		switch p.Op {
		case OpEq, OpGt, OpLt:
			op := map[Op]string{OpEq: "=", OpGt: ">", OpLt: "<"}[p.Op]
			parts = append(parts, col+op+"?")
			if p.Field == FTxt {
				args = append(args, p.S)
			} else {
				args = append(args, p.I)
			}
		case OpIn:
			n := len(p.Is)
			if p.Field == FTxt {
				n = len(p.Ss)
			}
			if n == 0 {
				parts = append(parts, "1=0")
				continue
			}
			ph := strings.TrimSuffix(strings.Repeat("?,", n), ",")
			parts = append(parts, col+" IN ("+ph+")")
			if p.Field == FTxt {
				for _, s := range p.Ss {
					args = append(args, s)
				}
			} else {
				for _, i := range p.Is {
					args = append(args, i)
				}
			}
		}
	}
	return strings.Join(parts, " AND "), args
}

func sqliteSelect(db queryer, q Query) ([]models.Fact, error) {
	where, args := compileWhere(q.Where)
	sb := strings.Builder{}
	sb.WriteString(`SELECT owner_ts, owner_actor, owner_space, id_ts, id_actor, id_space, kind, num, txt FROM facts WHERE `)
	sb.WriteString(where)
	if q.Order != OrderNone {
		dir := " ASC"
		if q.Desc {
			dir = " DESC"
		}
		var col string
		switch q.Order {
		case OrderIDTS:
			col = "id_ts"
		case OrderNum:
			col = "num"
		case OrderTxt:
			col = "txt"
		}
		// primary-key tiebreak keeps pagination stable
		sb.WriteString(" ORDER BY " + col + dir +
			", owner_ts" + dir + ", owner_actor" + dir + ", owner_space" + dir +
			", id_ts" + dir + ", id_actor" + dir + ", id_space" + dir +
			", kind" + dir + ", num" + dir)
	}
	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset))
	} else if q.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT -1 OFFSET %d", q.Offset))
	}
	rows, err := db.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Fact
	for rows.Next() {
		var f models.Fact
		var kind int64
		if err := rows.Scan(&f.Owner.TS, &f.Owner.Actor, &f.Owner.Space,
			&f.ID.TS, &f.ID.Actor, &f.ID.Space, &kind, &f.Num, &f.Txt); err != nil {
			return nil, err
		}
		f.Kind = models.Kind(kind)
		out = append(out, f)
	}
	return out, rows.Err()
}
