package facts_test

import (
	"errors"
	"path/filepath"
	"testing"

	"factdb/pkg/facts"
	"factdb/pkg/models"
)

// forEachBackend runs the test body against every store backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s facts.Store)) {
	t.Helper()
	for _, backend := range []string{"pebble", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "facts")
			if backend == "sqlite" {
				path = filepath.Join(t.TempDir(), "facts.db")
			}
			s, err := facts.Open(backend, path)
			if err != nil {
				t.Fatalf("open %s: %v", backend, err)
			}
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func id(ts int64) models.ID { return models.ID{TS: ts, Actor: 7, Space: 1} }

func mustCommit(t *testing.T, s facts.Store, rows ...models.Fact) {
	t.Helper()
	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Insert(rows...); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		f := models.Fact{ID: id(100), Kind: models.KindLastVersion, Num: 1}
		mustCommit(t, s, f)

		tx, err := s.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		if err := tx.Insert(f); !errors.Is(err, facts.ErrConstraint) {
			t.Fatalf("duplicate insert: got %v, want ErrConstraint", err)
		}
	})
}

func TestInsertSameIDDifferentNumAllowed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		// Num is part of the key, so two rows may differ only in Num
		mustCommit(t, s,
			models.Fact{Owner: id(1), ID: id(50), Kind: models.KindTag, Num: 1},
			models.Fact{Owner: id(1), ID: id(50), Kind: models.KindTag, Num: 2},
		)
		rows, err := s.Select(facts.Query{Where: facts.OwnerEq(id(1))})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("got %d rows, want 2", len(rows))
		}
	})
}

func TestSelectOrderingAndPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		for _, ts := range []int64{30, 10, 50, 20, 40} {
			mustCommit(t, s, models.Fact{ID: id(ts), Kind: models.KindLastVersion, Num: 1})
		}

		rows, err := s.Select(facts.Query{
			Where: []facts.Pred{facts.KindEq(models.KindLastVersion)},
			Order: facts.OrderIDTS,
		})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		want := []int64{10, 20, 30, 40, 50}
		if len(rows) != len(want) {
			t.Fatalf("got %d rows, want %d", len(rows), len(want))
		}
		for i, w := range want {
			if rows[i].ID.TS != w {
				t.Fatalf("row %d: ts %d, want %d", i, rows[i].ID.TS, w)
			}
		}

		rows, err = s.Select(facts.Query{
			Where: []facts.Pred{facts.KindEq(models.KindLastVersion)},
			Order: facts.OrderIDTS, Desc: true, Limit: 2, Offset: 1,
		})
		if err != nil {
			t.Fatalf("select desc: %v", err)
		}
		if len(rows) != 2 || rows[0].ID.TS != 40 || rows[1].ID.TS != 30 {
			t.Fatalf("desc page: got %+v, want ts 40,30", rows)
		}
	})
}

func TestSelectRangeAndTxtPredicates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		mustCommit(t, s,
			models.Fact{ID: id(10), Kind: models.KindTagText, Num: 2, Txt: "go"},
			models.Fact{ID: id(20), Kind: models.KindTagText, Num: 5, Txt: "db"},
			models.Fact{ID: id(30), Kind: models.KindTagText, Num: 9, Txt: "io"},
		)

		rows, err := s.Select(facts.Query{Where: []facts.Pred{
			facts.KindEq(models.KindTagText), facts.NumGt(2), facts.NumLt(9),
		}})
		if err != nil {
			t.Fatalf("select range: %v", err)
		}
		if len(rows) != 1 || rows[0].Txt != "db" {
			t.Fatalf("range: got %+v, want the db row", rows)
		}

		rows, err = s.Select(facts.Query{Where: []facts.Pred{
			facts.TxtIn("go", "io"),
		}, Order: facts.OrderTxt})
		if err != nil {
			t.Fatalf("select txt in: %v", err)
		}
		if len(rows) != 2 || rows[0].Txt != "go" || rows[1].Txt != "io" {
			t.Fatalf("txt in: got %+v, want go,io", rows)
		}

		one, err := s.SelectOne(facts.Query{Where: []facts.Pred{facts.TxtEq("go")}})
		if err != nil {
			t.Fatalf("select one: %v", err)
		}
		if one == nil || one.ID.TS != 10 {
			t.Fatalf("txt eq: got %+v, want ts 10", one)
		}
	})
}

func TestSelectOneCardinality(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		mustCommit(t, s,
			models.Fact{Owner: id(1), ID: id(10), Kind: models.KindTag, Num: 1},
			models.Fact{Owner: id(1), ID: id(20), Kind: models.KindTag, Num: 1},
		)
		_, err := s.SelectOne(facts.Query{Where: facts.OwnerEq(id(1))})
		if !errors.Is(err, facts.ErrCardinality) {
			t.Fatalf("got %v, want ErrCardinality", err)
		}

		one, err := s.SelectOne(facts.Query{Where: facts.And(
			facts.OwnerEq(id(1)), facts.IDEq(id(10)),
		)})
		if err != nil {
			t.Fatalf("select one: %v", err)
		}
		if one == nil {
			t.Fatalf("single match came back nil")
		}

		none, err := s.SelectOne(facts.Query{Where: facts.OwnerEq(id(99))})
		if err != nil {
			t.Fatalf("select none: %v", err)
		}
		if none != nil {
			t.Fatalf("no match should be nil, got %+v", none)
		}
	})
}

func TestUpdateRewritesKeyFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		mustCommit(t, s, models.Fact{ID: id(10), Kind: models.KindTagText, Num: 3, Txt: "go"})

		tx, err := s.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		n, err := tx.Update(facts.Query{Where: []facts.Pred{facts.TxtEq("go")}}, facts.NumAdd(2))
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if n != 1 {
			t.Fatalf("updated %d rows, want 1", n)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		rows, err := s.Select(facts.Query{Where: []facts.Pred{facts.TxtEq("go")}})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rows) != 1 || rows[0].Num != 5 {
			t.Fatalf("after update: got %+v, want one row with Num 5", rows)
		}
	})
}

func TestUpdateKeyCollisionRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		mustCommit(t, s,
			models.Fact{ID: id(10), Kind: models.KindTagText, Num: 1, Txt: "a"},
			models.Fact{ID: id(10), Kind: models.KindTagText, Num: 2, Txt: "b"},
		)
		tx, err := s.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		_, err = tx.Update(facts.Query{Where: []facts.Pred{
			facts.NumEq(1),
		}}, facts.NumAdd(1))
		if !errors.Is(err, facts.ErrConstraint) {
			t.Fatalf("got %v, want ErrConstraint", err)
		}
	})
}

func TestTxReadsOwnWritesAndRollback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		tx, err := s.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		f := models.Fact{ID: id(100), Kind: models.KindLastVersion, Num: 1}
		if err := tx.Insert(f); err != nil {
			t.Fatalf("insert: %v", err)
		}
		one, err := tx.SelectOne(facts.Query{Where: facts.IDEq(id(100))})
		if err != nil {
			t.Fatalf("tx select: %v", err)
		}
		if one == nil {
			t.Fatalf("pending insert invisible inside its own unit")
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}

		rows, err := s.Select(facts.Query{Where: facts.IDEq(id(100))})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rows) != 0 {
			t.Fatalf("rolled-back insert surfaced: %+v", rows)
		}
	})
}

func TestDeleteByPredicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s facts.Store) {
		mustCommit(t, s,
			models.Fact{Owner: id(1), ID: id(10), Kind: models.KindTag, Num: 1},
			models.Fact{Owner: id(1), ID: id(20), Kind: models.KindTagEx, Num: 1},
			models.Fact{Owner: id(2), ID: id(30), Kind: models.KindTag, Num: 1},
		)
		tx, err := s.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		n, err := tx.Delete(facts.Query{Where: facts.OwnerEq(id(1))})
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if n != 2 {
			t.Fatalf("deleted %d rows, want 2", n)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		rows, err := s.Select(facts.Query{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rows) != 1 || rows[0].Owner.TS != 2 {
			t.Fatalf("got %+v, want only the owner-2 row", rows)
		}
	})
}
