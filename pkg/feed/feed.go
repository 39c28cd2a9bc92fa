// Package feed assembles read-side pages of posts: three sort modes
// (bumped, new, old), flat or nested thread shape, filter evaluation,
// citation expansion, and cursors for stable continuation. Feed reads
// never open a write transaction; a page is a best-effort snapshot.
package feed

import (
	"sort"

	"factdb/pkg/facts"
	"factdb/pkg/models"
	"factdb/pkg/registry"
)

type Sort int

const (
	// SortBumped orders threads by most recent activity anywhere in the
	// thread, newest first.
	SortBumped Sort = iota
	// SortNew orders top-level posts by creation time, newest first.
	SortNew
	// SortOld orders top-level posts by creation time, oldest first.
	SortOld
)

type Shape int

const (
	// ShapeFlat returns page entries as-is, pulling in immediate parents
	// of any replies for context.
	ShapeFlat Shape = iota
	// ShapeNested expands each root in the page into its full reply tree.
	ShapeNested
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// candidates examined per store round-trip while filling a page
	scanBatch = 64
)

// Request describes one feed page fetch.
type Request struct {
	Who      models.WhoWhere
	Sort     Sort
	Shape    Shape
	Filter   *Filter
	Cursor   *Cursor
	PageSize int
}

// PostView is one rendered post. Tombstones come back with Version 0
// and no content so thread structure stays visible. External flags a
// post living in a different space than the caller's.
type PostView struct {
	ID       models.ID        `json:"id"`
	Parent   *models.ID       `json:"parent,omitempty"`
	Root     models.ID        `json:"root"`
	Depth    int64            `json:"depth"`
	Version  int64            `json:"version"`
	Tags     []string         `json:"tags,omitempty"`
	Core     string           `json:"core,omitempty"`
	Cites    []models.ID      `json:"cites,omitempty"`
	Counts   map[string]int64 `json:"counts,omitempty"`
	Mine     []string         `json:"mine,omitempty"`
	External bool             `json:"external,omitempty"`
	BumpTS   int64            `json:"bump_ts,omitempty"`
	Replies  []*PostView      `json:"replies,omitempty"`
}

// Deleted reports whether the view is a tombstone.
func (v *PostView) Deleted() bool { return v.Version == 0 }

// Page is one feed result: the sorted top-level entries, any extra
// posts fetched for context (flat-shape parents, citation targets not
// already on the page), and the cursor for the next page. A zero-value
// cursor means the walk is exhausted.
type Page struct {
	Entries []*PostView `json:"entries"`
	Context []*PostView `json:"context,omitempty"`
	Next    Cursor      `json:"next"`
}

// Engine reads pages from a fact store.
type Engine struct {
	store facts.Store
	reg   *registry.Registry
}

func NewEngine(store facts.Store, reg *registry.Registry) *Engine {
	return &Engine{store: store, reg: reg}
}

// Fetch assembles one page for the request.
func (e *Engine) Fetch(req Request) (*Page, error) {
	size := req.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	var (
		page *Page
		err  error
	)
	if req.Sort == SortBumped {
		page, err = e.fetchBumped(req, size)
	} else {
		page, err = e.fetchByTime(req, size)
	}
	if err != nil {
		return nil, err
	}
	if err := e.injectRequested(req, page); err != nil {
		return nil, err
	}
	if err := e.shape(req, page); err != nil {
		return nil, err
	}
	return page, nil
}

// fetchBumped walks bump pointers newest-activity-first. Cursor ties at
// the boundary timestamp are resolved via the Seen exclusion list.
func (e *Engine) fetchBumped(req Request, size int) (*Page, error) {
	seen := req.Cursor.seenSet()
	preds := []facts.Pred{facts.KindEq(models.KindBumpedRoot)}
	if req.Cursor != nil && req.Cursor.BumpTS > 0 {
		// inclusive bound; exact-boundary repeats are filtered by Seen
		preds = append(preds, facts.IDTSLt(req.Cursor.BumpTS+1))
	}

	var entries []*PostView
	offset := 0
	for len(entries) < size {
		batch, err := e.store.Select(facts.Query{
			Where: preds, Order: facts.OrderIDTS, Desc: true,
			Limit: scanBatch, Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		offset += len(batch)
		for _, b := range batch {
			if req.Cursor != nil && b.ID.TS == req.Cursor.BumpTS {
				if _, ok := seen[b.Owner]; ok {
					continue
				}
			}
			v, err := e.view(req.Who, b.Owner)
			if err != nil {
				return nil, err
			}
			if v == nil || !req.Filter.match(v) {
				continue
			}
			v.BumpTS = b.ID.TS
			entries = append(entries, v)
			if len(entries) == size {
				break
			}
		}
	}

	page := &Page{Entries: entries}
	if len(entries) == size {
		last := entries[len(entries)-1].BumpTS
		page.Next.BumpTS = last
		for _, v := range entries {
			if v.BumpTS == last {
				page.Next.Seen = append(page.Next.Seen, v.ID)
			}
		}
		if req.Cursor != nil && req.Cursor.BumpTS == last {
			page.Next.Seen = append(page.Next.Seen, req.Cursor.Seen...)
		}
	}
	return page, nil
}

// fetchByTime walks top-level posts by creation time in either
// direction. The timestamp component of a post id is unique, so the
// cursor is a strict bound and needs no exclusion list.
func (e *Engine) fetchByTime(req Request, size int) (*Page, error) {
	desc := req.Sort == SortNew
	preds := append([]facts.Pred{facts.KindEq(models.KindLastVersion)}, facts.OwnerZero()...)
	if req.Cursor != nil && req.Cursor.LastTS > 0 {
		if desc {
			preds = append(preds, facts.IDTSLt(req.Cursor.LastTS))
		} else {
			preds = append(preds, facts.IDTSGt(req.Cursor.LastTS))
		}
	}

	var entries []*PostView
	offset := 0
	for len(entries) < size {
		batch, err := e.store.Select(facts.Query{
			Where: preds, Order: facts.OrderIDTS, Desc: desc,
			Limit: scanBatch, Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		offset += len(batch)
		for _, f := range batch {
			v, err := e.view(req.Who, f.ID)
			if err != nil {
				return nil, err
			}
			if v == nil || !req.Filter.match(v) {
				continue
			}
			entries = append(entries, v)
			if len(entries) == size {
				break
			}
		}
	}

	page := &Page{Entries: entries}
	if len(entries) == size {
		page.Next.LastTS = entries[len(entries)-1].ID.TS
	}
	return page, nil
}

// injectRequested prepends explicitly requested post ids on the first
// page. Unlike the sorted walk these may be replies; exclusion filters
// still apply to them.
func (e *Engine) injectRequested(req Request, page *Page) error {
	if req.Filter == nil || len(req.Filter.Posts) == 0 || req.Cursor != nil {
		return nil
	}
	have := make(map[models.ID]struct{}, len(page.Entries))
	for _, v := range page.Entries {
		have[v.ID] = struct{}{}
	}
	var extra []*PostView
	for _, id := range req.Filter.Posts {
		if _, ok := have[id]; ok {
			continue
		}
		v, err := e.view(req.Who, id)
		if err != nil {
			return err
		}
		if v == nil || containsID(req.Filter.NotPosts, v.ID) {
			continue
		}
		extra = append(extra, v)
		have[id] = struct{}{}
	}
	page.Entries = append(extra, page.Entries...)
	return nil
}

// shape runs the post-selection passes: nested expansion or flat parent
// context, then one level of citation expansion across everything
// fetched so far.
func (e *Engine) shape(req Request, page *Page) error {
	fetched := make(map[models.ID]*PostView, len(page.Entries))
	all := make([]*PostView, 0, len(page.Entries))
	for _, v := range page.Entries {
		fetched[v.ID] = v
		all = append(all, v)
	}

	if req.Shape == ShapeNested {
		for _, v := range page.Entries {
			if v.Root != v.ID {
				continue
			}
			added, err := e.expandThread(req.Who, v, fetched)
			if err != nil {
				return err
			}
			all = append(all, added...)
		}
	} else {
		for _, v := range page.Entries {
			if v.Parent == nil {
				continue
			}
			if _, ok := fetched[*v.Parent]; ok {
				continue
			}
			pv, err := e.view(req.Who, *v.Parent)
			if err != nil {
				return err
			}
			if pv == nil {
				continue
			}
			fetched[pv.ID] = pv
			page.Context = append(page.Context, pv)
			all = append(all, pv)
		}
	}

	// expand in fetch order so Context comes out the same on every run
	for _, v := range all {
		for _, cid := range v.Cites {
			if _, ok := fetched[cid]; ok {
				continue
			}
			cv, err := e.view(req.Who, cid)
			if err != nil {
				return err
			}
			if cv == nil {
				continue
			}
			fetched[cv.ID] = cv
			page.Context = append(page.Context, cv)
		}
	}
	return nil
}

// expandThread attaches the root's full reply tree, children ordered
// oldest first under each parent. Returns the views it fetched that
// were not already on the page.
func (e *Engine) expandThread(who models.WhoWhere, root *PostView, fetched map[models.ID]*PostView) ([]*PostView, error) {
	members, err := e.store.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(root.ID),
		[]facts.Pred{facts.KindEq(models.KindDepth)},
	), Order: facts.OrderIDTS})
	if err != nil {
		return nil, err
	}
	var added []*PostView
	views := make([]*PostView, 0, len(members))
	for _, m := range members {
		if _, ok := fetched[m.ID]; ok {
			views = append(views, fetched[m.ID])
			continue
		}
		v, err := e.view(who, m.ID)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		fetched[v.ID] = v
		views = append(views, v)
		added = append(added, v)
	}
	// parents sort before their children by construction (a reply is
	// always newer than its parent), so one ordered pass links the tree
	for _, v := range views {
		if v.Parent == nil {
			continue
		}
		if p, ok := fetched[*v.Parent]; ok {
			p.Replies = append(p.Replies, v)
		} else {
			root.Replies = append(root.Replies, v)
		}
	}
	return added, nil
}

// view assembles a single post. Returns nil for ids with no lifecycle
// fact; tombstones come back with structure but no content.
func (e *Engine) view(who models.WhoWhere, id models.ID) (*PostView, error) {
	lv, err := e.store.SelectOne(facts.Query{Where: facts.And(
		facts.IDEq(id),
		[]facts.Pred{facts.KindEq(models.KindLastVersion)},
	)})
	if err != nil {
		return nil, err
	}
	if lv == nil {
		return nil, nil
	}

	v := &PostView{
		ID:       id,
		Root:     id,
		Version:  lv.Num,
		External: who.Space != 0 && id.Space != who.Space,
	}
	if !lv.Owner.IsZero() {
		p := lv.Owner
		v.Parent = &p
	}
	d, err := e.store.SelectOne(facts.Query{Where: facts.And(
		facts.IDEq(id),
		[]facts.Pred{facts.KindEq(models.KindDepth)},
	)})
	if err != nil {
		return nil, err
	}
	if d != nil {
		v.Root, v.Depth = d.Owner, d.Num
	}
	if v.Deleted() {
		return v, nil
	}

	tagRows, err := e.store.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindTag)},
	)})
	if err != nil {
		return nil, err
	}
	if len(tagRows) > 0 {
		ids := make([]models.ID, 0, len(tagRows))
		for _, f := range tagRows {
			ids = append(ids, f.ID)
		}
		txt, err := e.reg.Lookup(e.store.Select, registry.Tag, ids)
		if err != nil {
			return nil, err
		}
		for _, tid := range ids {
			v.Tags = append(v.Tags, txt[tid])
		}
		sort.Strings(v.Tags)
	}

	core, err := e.store.SelectOne(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindCore)},
	)})
	if err != nil {
		return nil, err
	}
	if core != nil {
		txt, err := e.reg.Lookup(e.store.Select, registry.Core, []models.ID{core.ID})
		if err != nil {
			return nil, err
		}
		v.Core = txt[core.ID]
	}

	cites, err := e.store.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindCites)},
	), Order: facts.OrderIDTS})
	if err != nil {
		return nil, err
	}
	for _, c := range cites {
		v.Cites = append(v.Cites, c.ID)
	}

	counts, err := e.store.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindReactionCount)},
	)})
	if err != nil {
		return nil, err
	}
	if len(counts) > 0 {
		v.Counts = make(map[string]int64, len(counts))
		for _, c := range counts {
			v.Counts[c.Txt] = c.Num
		}
	}

	if who.Account != 0 {
		mine, err := e.store.Select(facts.Query{Where: facts.And(
			facts.OwnerEq(id),
			[]facts.Pred{facts.KindEq(models.KindReaction), facts.IDActorEq(who.Account)},
		)})
		if err != nil {
			return nil, err
		}
		for _, m := range mine {
			v.Mine = append(v.Mine, m.Txt)
		}
		sort.Strings(v.Mine)
	}
	return v, nil
}
