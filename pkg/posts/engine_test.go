package posts_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"factdb/pkg/facts"
	"factdb/pkg/models"
	"factdb/pkg/posts"
	"factdb/pkg/registry"
	"factdb/pkg/utils"
)

func newEngine(t *testing.T) (*posts.Engine, facts.Store) {
	t.Helper()
	s, err := facts.Open("pebble", filepath.Join(t.TempDir(), "facts"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return posts.NewEngine(s, registry.New()), s
}

func mkPost(parent *models.ID, core string, tags ...string) models.Post {
	return models.Post{
		ID:     models.ID{TS: utils.NewTS(), Actor: 7, Space: 1},
		Parent: parent,
		Versions: []models.Version{
			{N: 1, Tags: tags, Core: core},
		},
	}
}

func citeToken(id models.ID) string {
	return fmt.Sprintf("[[%d:%d:%d]]", id.TS, id.Actor, id.Space)
}

func TestCreateRejectsBadPayloads(t *testing.T) {
	e, _ := newEngine(t)

	cases := []models.Post{
		{ID: models.ID{TS: utils.NewTS(), Space: 1}},
		{ID: models.ID{TS: utils.NewTS(), Space: 1}, Versions: []models.Version{{N: 2, Core: "x"}}},
		{ID: models.ID{TS: utils.NewTS(), Space: 1}, Versions: []models.Version{{N: 1, Core: ""}}},
		{ID: models.ID{TS: utils.NewTS(), Space: 1}, Versions: []models.Version{{N: 1, Core: "a"}, {N: 3, Core: "b"}}},
	}
	for i, p := range cases {
		if err := e.Create(p); !errors.Is(err, posts.ErrInvalidPost) {
			t.Fatalf("case %d: got %v, want ErrInvalidPost", i, err)
		}
	}
}

func TestCreateReplyNeedsParent(t *testing.T) {
	e, _ := newEngine(t)
	ghost := models.ID{TS: utils.NewTS(), Actor: 1, Space: 1}
	if err := e.Create(mkPost(&ghost, "orphan")); !errors.Is(err, posts.ErrParentNotFound) {
		t.Fatalf("got %v, want ErrParentNotFound", err)
	}
}

func TestCreateEditHistory(t *testing.T) {
	e, _ := newEngine(t)

	p := mkPost(nil, "first draft", "go")
	if err := e.Create(p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.Edit(p.ID, models.Version{N: 2, Tags: []string{"go", "db"}, Core: "second draft"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := e.Edit(p.ID, models.Version{N: 3, Tags: []string{"db"}, Core: "third draft"}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	hist, err := e.History(p.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("got %d versions, want 3", len(hist))
	}
	for i, want := range []string{"first draft", "second draft", "third draft"} {
		if hist[i].N != int64(i)+1 || hist[i].Core != want {
			t.Fatalf("version %d: got %+v, want N=%d core=%q", i, hist[i], i+1, want)
		}
	}
	if len(hist[2].Tags) != 1 || hist[2].Tags[0] != "db" {
		t.Fatalf("current tags: got %v, want [db]", hist[2].Tags)
	}
}

func TestEditConcurrencyAndNoOp(t *testing.T) {
	e, _ := newEngine(t)

	p := mkPost(nil, "body", "go")
	if err := e.Create(p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.Edit(p.ID, models.Version{N: 3, Core: "skipped ahead"}); !errors.Is(err, posts.ErrStaleVersion) {
		t.Fatalf("got %v, want ErrStaleVersion", err)
	}
	if err := e.Edit(p.ID, models.Version{N: 2, Tags: []string{"go"}, Core: "body"}); !errors.Is(err, posts.ErrNoOpEdit) {
		t.Fatalf("got %v, want ErrNoOpEdit", err)
	}
	// the rejected edits must not have advanced the version
	if err := e.Edit(p.ID, models.Version{N: 2, Tags: []string{"go"}, Core: "changed"}); err != nil {
		t.Fatalf("edit after rejections: %v", err)
	}
}

func TestEditMissingOrDeletedPost(t *testing.T) {
	e, _ := newEngine(t)

	ghost := models.ID{TS: utils.NewTS(), Actor: 1, Space: 1}
	if err := e.Edit(ghost, models.Version{N: 2, Core: "x"}); !errors.Is(err, posts.ErrPostDeleted) {
		t.Fatalf("got %v, want ErrPostDeleted", err)
	}

	root := mkPost(nil, "root")
	if err := e.Create(root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	if err := e.Create(mkPost(&root.ID, "reply")); err != nil {
		t.Fatalf("create reply: %v", err)
	}
	if err := e.Delete(root.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.Edit(root.ID, models.Version{N: 2, Core: "necromancy"}); !errors.Is(err, posts.ErrPostDeleted) {
		t.Fatalf("got %v, want ErrPostDeleted", err)
	}
}

func TestVersionDeleteUnsupported(t *testing.T) {
	e, _ := newEngine(t)
	p := mkPost(nil, "body")
	if err := e.Create(p); err != nil {
		t.Fatalf("create: %v", err)
	}
	v := int64(1)
	if err := e.Delete(p.ID, &v); !errors.Is(err, posts.ErrVersionDeleteUnsupported) {
		t.Fatalf("got %v, want ErrVersionDeleteUnsupported", err)
	}
}

func tagCount(t *testing.T, s facts.Store, space int64, text string) (int64, bool) {
	t.Helper()
	row, err := s.SelectOne(facts.Query{Where: facts.And(
		facts.OwnerZero(),
		[]facts.Pred{
			facts.KindEq(models.KindTagText),
			facts.IDSpaceEq(space),
			facts.TxtEq(text),
		},
	)})
	if err != nil {
		t.Fatalf("tag row: %v", err)
	}
	if row == nil {
		return 0, false
	}
	return row.Num, true
}

func TestReferenceCounts(t *testing.T) {
	e, s := newEngine(t)

	a := mkPost(nil, "a", "go")
	b := mkPost(nil, "b", "go")
	if err := e.Create(a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := e.Create(b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if n, ok := tagCount(t, s, 1, "go"); !ok || n != 2 {
		t.Fatalf("after two creates: count %d ok=%v, want 2", n, ok)
	}

	// editing away the tag drops one reference but keeps the row
	if err := e.Edit(a.ID, models.Version{N: 2, Core: "a"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if n, ok := tagCount(t, s, 1, "go"); !ok || n != 1 {
		t.Fatalf("after edit: count %d ok=%v, want 1", n, ok)
	}

	// deleting b zeroes the count, but a's edit history still references
	// the text, so the row is pinned rather than collected
	if err := e.Delete(b.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, ok := tagCount(t, s, 1, "go"); !ok || n != 0 {
		t.Fatalf("after delete: count %d ok=%v, want pinned row at 0", n, ok)
	}

	// hard-deleting a removes the last link and with it the pinned row
	if err := e.Delete(a.ID, nil); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if _, ok := tagCount(t, s, 1, "go"); ok {
		t.Fatalf("unreferenced zero-count tag row survived")
	}
}

func TestHardDeleteLeavesNothing(t *testing.T) {
	e, s := newEngine(t)

	p := mkPost(nil, "hello world", "go", "db")
	if err := e.Create(p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.Edit(p.ID, models.Version{N: 2, Tags: []string{"go"}, Core: "hello again"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := e.Delete(p.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rows, err := s.Select(facts.Query{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("facts survived a hard delete: %+v", rows)
	}

	if err := e.Delete(p.ID, nil); !errors.Is(err, posts.ErrPostNotFound) {
		t.Fatalf("second delete: got %v, want ErrPostNotFound", err)
	}
}

func TestDeleteWithRepliesTombstones(t *testing.T) {
	e, s := newEngine(t)

	root := mkPost(nil, "root", "go")
	if err := e.Create(root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	reply := mkPost(&root.ID, "reply")
	if err := e.Create(reply); err != nil {
		t.Fatalf("create reply: %v", err)
	}
	if err := e.Delete(root.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	lv, err := s.SelectOne(facts.Query{Where: facts.And(
		facts.IDEq(root.ID),
		[]facts.Pred{facts.KindEq(models.KindLastVersion)},
	)})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if lv == nil || lv.Num != 0 {
		t.Fatalf("tombstone: got %+v, want Num 0", lv)
	}

	// content facts are gone, history with them
	hist, err := e.History(root.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist != nil {
		t.Fatalf("tombstone kept history: %+v", hist)
	}
	if _, ok := tagCount(t, s, 1, "go"); ok {
		t.Fatalf("tombstoned post kept its tag reference")
	}

	// the reply still resolves its parent, and can itself be replied to
	if err := e.Create(mkPost(&root.ID, "late reply")); err != nil {
		t.Fatalf("reply to tombstone: %v", err)
	}
}

func bumpTarget(t *testing.T, s facts.Store, root models.ID) models.ID {
	t.Helper()
	b, err := s.SelectOne(facts.Query{Where: facts.And(
		facts.OwnerEq(root),
		[]facts.Pred{facts.KindEq(models.KindBumpedRoot)},
	)})
	if err != nil {
		t.Fatalf("bump row: %v", err)
	}
	if b == nil {
		t.Fatalf("thread %v has no bump pointer", root)
	}
	return b.ID
}

func TestBumpFollowsThreadActivity(t *testing.T) {
	e, s := newEngine(t)

	root := mkPost(nil, "root")
	if err := e.Create(root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	if got := bumpTarget(t, s, root.ID); got != root.ID {
		t.Fatalf("fresh root bump: got %v, want self", got)
	}

	b := mkPost(&root.ID, "first reply")
	if err := e.Create(b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	c := mkPost(&b.ID, "nested reply")
	if err := e.Create(c); err != nil {
		t.Fatalf("create c: %v", err)
	}
	if got := bumpTarget(t, s, root.ID); got != c.ID {
		t.Fatalf("bump after replies: got %v, want %v", got, c.ID)
	}

	// deleting the bump target repoints at the newest surviving member
	if err := e.Delete(c.ID, nil); err != nil {
		t.Fatalf("delete c: %v", err)
	}
	if got := bumpTarget(t, s, root.ID); got != b.ID {
		t.Fatalf("bump after delete: got %v, want %v", got, b.ID)
	}

	// editing never bumps
	if err := e.Edit(b.ID, models.Version{N: 2, Core: "edited"}); err != nil {
		t.Fatalf("edit b: %v", err)
	}
	if got := bumpTarget(t, s, root.ID); got != b.ID {
		t.Fatalf("bump after edit: got %v, want unchanged %v", got, b.ID)
	}
}

func TestNestedReplyDepth(t *testing.T) {
	e, s := newEngine(t)

	root := mkPost(nil, "root")
	if err := e.Create(root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	b := mkPost(&root.ID, "depth one")
	if err := e.Create(b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	c := mkPost(&b.ID, "depth two")
	if err := e.Create(c); err != nil {
		t.Fatalf("create c: %v", err)
	}

	d, err := s.SelectOne(facts.Query{Where: facts.And(
		facts.IDEq(c.ID),
		[]facts.Pred{facts.KindEq(models.KindDepth)},
	)})
	if err != nil {
		t.Fatalf("depth row: %v", err)
	}
	if d == nil || d.Owner != root.ID || d.Num != 2 {
		t.Fatalf("depth: got %+v, want root %v depth 2", d, root.ID)
	}
}

func TestCitationsTrackCurrentVersion(t *testing.T) {
	e, s := newEngine(t)

	target := mkPost(nil, "cited")
	if err := e.Create(target); err != nil {
		t.Fatalf("create target: %v", err)
	}
	ghost := models.ID{TS: utils.NewTS(), Actor: 9, Space: 1}

	p := mkPost(nil, "see "+citeToken(target.ID)+" and "+citeToken(ghost))
	if err := e.Create(p); err != nil {
		t.Fatalf("create: %v", err)
	}

	cites, err := s.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(p.ID),
		[]facts.Pred{facts.KindEq(models.KindCites)},
	)})
	if err != nil {
		t.Fatalf("cites: %v", err)
	}
	if len(cites) != 1 || cites[0].ID != target.ID {
		t.Fatalf("got %+v, want one edge to %v", cites, target.ID)
	}

	// an edit that drops the token drops the edge
	if err := e.Edit(p.ID, models.Version{N: 2, Core: "no more tokens"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	cites, err = s.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(p.ID),
		[]facts.Pred{facts.KindEq(models.KindCites)},
	)})
	if err != nil {
		t.Fatalf("cites: %v", err)
	}
	if len(cites) != 0 {
		t.Fatalf("stale citation edges: %+v", cites)
	}
}
