// Package posts implements create, edit and delete of versioned content
// items that may form reply threads. A post's whole lifecycle lives in
// fact rows: a LastVersion singleton, per-version tag/core links into the
// dedup registry, a Depth fact for replies, and a BumpedRoot pointer that
// keeps the thread's most-recent-activity ordering.
package posts

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"factdb/pkg/facts"
	"factdb/pkg/logger"
	"factdb/pkg/models"
	"factdb/pkg/registry"
)

var (
	// ErrInvalidPost rejects a payload with an empty or non-contiguous
	// version history, or a version without core text.
	ErrInvalidPost = errors.New("posts: invalid post payload")

	// ErrParentNotFound rejects a reply whose declared parent id does not
	// resolve to an existing post.
	ErrParentNotFound = errors.New("posts: parent not found")

	// ErrStaleVersion rejects an edit whose version number is not exactly
	// current+1 (optimistic concurrency).
	ErrStaleVersion = errors.New("posts: stale version")

	// ErrNoOpEdit rejects an edit that changes neither tags nor core text.
	ErrNoOpEdit = errors.New("posts: edit changes nothing")

	// ErrPostDeleted rejects edits of tombstoned or nonexistent posts.
	ErrPostDeleted = errors.New("posts: post deleted")

	// ErrPostNotFound rejects deletion of a post that does not exist.
	ErrPostNotFound = errors.New("posts: post not found")

	// ErrVersionDeleteUnsupported preserves partial-version deletion as an
	// explicitly unsupported operation.
	ErrVersionDeleteUnsupported = errors.New("posts: deleting single versions is unsupported")
)

// Engine mutates posts against a fact store. Every public operation runs
// as one atomic unit; on any failure nothing is applied.
type Engine struct {
	store facts.Store
	reg   *registry.Registry
}

func NewEngine(store facts.Store, reg *registry.Registry) *Engine {
	return &Engine{store: store, reg: reg}
}

// lastVersionOf fetches a post's lifecycle singleton, nil when absent.
func lastVersionOf(tx facts.Tx, id models.ID) (*models.Fact, error) {
	return tx.SelectOne(facts.Query{Where: facts.And(
		facts.IDEq(id),
		[]facts.Pred{facts.KindEq(models.KindLastVersion)},
	)})
}

// threadRootOf resolves the root id and depth of a post: posts without a
// depth fact are roots at depth 0.
func threadRootOf(tx facts.Tx, id models.ID) (models.ID, int64, error) {
	d, err := tx.SelectOne(facts.Query{Where: facts.And(
		facts.IDEq(id),
		[]facts.Pred{facts.KindEq(models.KindDepth)},
	)})
	if err != nil {
		return models.ID{}, 0, err
	}
	if d == nil {
		return id, 0, nil
	}
	return d.Owner, d.Num, nil
}

func validate(p models.Post) error {
	if len(p.Versions) == 0 {
		return fmt.Errorf("%w: empty version history", ErrInvalidPost)
	}
	for i, v := range p.Versions {
		if v.N != int64(i)+1 {
			return fmt.Errorf("%w: version numbers must be contiguous from 1", ErrInvalidPost)
		}
		if v.Core == "" {
			return fmt.Errorf("%w: version %d has no core text", ErrInvalidPost, v.N)
		}
	}
	return nil
}

// Create stores a post with its full version history. Replies are wired
// into their thread (depth fact, root bump pointer); roots get a
// self-pointing bump pointer. Only the latest version's tag/core rows
// gain reference counts; historical links resolve but stay uncounted.
func (e *Engine) Create(p models.Post) error {
	if err := validate(p); err != nil {
		return err
	}
	last := p.LastVersion()

	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	owner := models.ID{}
	if p.Parent != nil {
		plv, err := lastVersionOf(tx, *p.Parent)
		if err != nil {
			return err
		}
		if plv == nil {
			return fmt.Errorf("%w: %v", ErrParentNotFound, *p.Parent)
		}
		owner = *p.Parent
	}

	if err := tx.Insert(models.Fact{
		Owner: owner, ID: p.ID, Kind: models.KindLastVersion, Num: last,
	}); err != nil {
		return err
	}

	var (
		curTagIDs []models.ID
		curCoreID models.ID
	)
	for _, v := range p.Versions {
		tagKind, coreKind := models.KindTagEx, models.KindCoreEx
		if v.N == last {
			tagKind, coreKind = models.KindTag, models.KindCore
		}
		tags, err := e.reg.ResolveOrCreate(tx, registry.Tag, p.ID.Space, v.Tags)
		if err != nil {
			return err
		}
		for _, tid := range tags {
			if err := tx.Insert(models.Fact{Owner: p.ID, ID: tid, Kind: tagKind, Num: v.N}); err != nil {
				return err
			}
			if v.N == last {
				curTagIDs = append(curTagIDs, tid)
			}
		}
		cores, err := e.reg.ResolveOrCreate(tx, registry.Core, p.ID.Space, []string{v.Core})
		if err != nil {
			return err
		}
		cid := cores[v.Core]
		if err := tx.Insert(models.Fact{Owner: p.ID, ID: cid, Kind: coreKind, Num: v.N}); err != nil {
			return err
		}
		if v.N == last {
			curCoreID = cid
		}
	}

	if p.Parent == nil {
		if err := tx.Insert(models.Fact{Owner: p.ID, ID: p.ID, Kind: models.KindBumpedRoot}); err != nil {
			return err
		}
	} else {
		root, pdepth, err := threadRootOf(tx, *p.Parent)
		if err != nil {
			return err
		}
		if err := tx.Insert(models.Fact{Owner: root, ID: p.ID, Kind: models.KindDepth, Num: pdepth + 1}); err != nil {
			return err
		}
		if err := bumpThread(tx, root, p.ID); err != nil {
			return err
		}
	}

	if err := e.insertCitations(tx, p.ID, p.Versions[len(p.Versions)-1].Core); err != nil {
		return err
	}

	if err := e.reg.AdjustCount(tx, registry.Tag, curTagIDs, +1); err != nil {
		return err
	}
	if err := e.reg.AdjustCount(tx, registry.Core, []models.ID{curCoreID}, +1); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Log.Info("post_created",
		zap.Int64("ts", p.ID.TS), zap.Int64("space", p.ID.Space),
		zap.Bool("reply", p.Parent != nil), zap.Int64("versions", last))
	return nil
}

// bumpThread repoints the root's bump pointer at latest, inserting the
// pointer when an older thread is missing one.
func bumpThread(tx facts.Tx, root, latest models.ID) error {
	n, err := tx.Update(facts.Query{Where: facts.And(
		facts.OwnerEq(root),
		[]facts.Pred{facts.KindEq(models.KindBumpedRoot)},
	)}, facts.IDTo(latest))
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.Insert(models.Fact{Owner: root, ID: latest, Kind: models.KindBumpedRoot})
	}
	return nil
}

func (e *Engine) insertCitations(tx facts.Tx, post models.ID, core string) error {
	for _, cid := range ScanCitations(core) {
		if cid == post {
			continue
		}
		target, err := lastVersionOf(tx, cid)
		if err != nil {
			return err
		}
		if target == nil {
			// unresolvable token; skipped rather than stored dangling
			continue
		}
		if err := tx.Insert(models.Fact{Owner: post, ID: cid, Kind: models.KindCites}); err != nil {
			return err
		}
	}
	return nil
}

// Edit advances a post to the next version. The previous version's tag
// and core links are relabeled historical (never deleted), reference
// counts move by the set difference, and the thread is not re-bumped.
func (e *Engine) Edit(id models.ID, v models.Version) error {
	if v.Core == "" {
		return fmt.Errorf("%w: version has no core text", ErrInvalidPost)
	}

	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lv, err := lastVersionOf(tx, id)
	if err != nil {
		return err
	}
	if lv == nil || lv.Num == 0 {
		return fmt.Errorf("%w: %v", ErrPostDeleted, id)
	}
	if v.N != lv.Num+1 {
		return fmt.Errorf("%w: have %d, edit declares %d", ErrStaleVersion, lv.Num, v.N)
	}

	oldTags, err := tx.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindTag)},
	)})
	if err != nil {
		return err
	}
	oldCore, err := tx.SelectOne(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindCore)},
	)})
	if err != nil {
		return err
	}
	if oldCore == nil {
		return fmt.Errorf("%w: post %v has no current core link", facts.ErrCorrupt, id)
	}

	newTags, err := e.reg.ResolveOrCreate(tx, registry.Tag, id.Space, v.Tags)
	if err != nil {
		return err
	}
	newCores, err := e.reg.ResolveOrCreate(tx, registry.Core, id.Space, []string{v.Core})
	if err != nil {
		return err
	}
	newCoreID := newCores[v.Core]

	oldSet := make(map[models.ID]struct{}, len(oldTags))
	for _, f := range oldTags {
		oldSet[f.ID] = struct{}{}
	}
	var added, dropped []models.ID
	newSet := make(map[models.ID]struct{}, len(newTags))
	for _, tid := range newTags {
		newSet[tid] = struct{}{}
		if _, ok := oldSet[tid]; !ok {
			added = append(added, tid)
		}
	}
	for tid := range oldSet {
		if _, ok := newSet[tid]; !ok {
			dropped = append(dropped, tid)
		}
	}
	coreChanged := newCoreID != oldCore.ID
	if len(added) == 0 && len(dropped) == 0 && !coreChanged {
		return ErrNoOpEdit
	}

	// relabel the previous version's links to their historical kinds
	if _, err := tx.Update(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindTag)},
	)}, facts.KindTo(models.KindTagEx)); err != nil {
		return err
	}
	if _, err := tx.Update(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindCore)},
	)}, facts.KindTo(models.KindCoreEx)); err != nil {
		return err
	}

	for _, tid := range newTags {
		if err := tx.Insert(models.Fact{Owner: id, ID: tid, Kind: models.KindTag, Num: v.N}); err != nil {
			return err
		}
	}
	if err := tx.Insert(models.Fact{Owner: id, ID: newCoreID, Kind: models.KindCore, Num: v.N}); err != nil {
		return err
	}

	// dropped rows may reach zero but are never collected here: the
	// relabeled historical links still reference them
	if err := e.reg.AdjustCount(tx, registry.Tag, added, +1); err != nil {
		return err
	}
	if err := e.reg.AdjustCount(tx, registry.Tag, dropped, -1); err != nil {
		return err
	}
	if coreChanged {
		if err := e.reg.AdjustCount(tx, registry.Core, []models.ID{newCoreID}, +1); err != nil {
			return err
		}
		if err := e.reg.AdjustCount(tx, registry.Core, []models.ID{oldCore.ID}, -1); err != nil {
			return err
		}
	}

	// a current-version view must not keep stale citation edges
	if _, err := tx.Delete(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindCites)},
	)}); err != nil {
		return err
	}
	if err := e.insertCitations(tx, id, v.Core); err != nil {
		return err
	}

	if _, err := tx.Update(facts.Query{Where: facts.And(
		facts.IDEq(id),
		[]facts.Pred{facts.KindEq(models.KindLastVersion)},
	)}, facts.Patch{Num: &v.N}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Log.Info("post_edited", zap.Int64("ts", id.TS), zap.Int64("version", v.N))
	return nil
}

// Delete removes a post. With replies present the post is tombstoned:
// its content facts go away, reference counts drop, but the identity and
// thread structure stay addressable for descendants. Without replies the
// post and every fact owned by or referencing it are removed outright.
// version must be nil; single-version deletion is unsupported.
func (e *Engine) Delete(id models.ID, version *int64) error {
	if version != nil {
		return ErrVersionDeleteUnsupported
	}

	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lv, err := lastVersionOf(tx, id)
	if err != nil {
		return err
	}
	if lv == nil {
		return fmt.Errorf("%w: %v", ErrPostNotFound, id)
	}

	replies, err := tx.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindEq(models.KindLastVersion)},
	), Limit: 1})
	if err != nil {
		return err
	}
	hasReplies := len(replies) > 0

	// only current links carry reference counts, but every link pins its
	// text row against collection, so both sets are gathered up front
	tagLinks, err := tx.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindIn(models.KindTag, models.KindTagEx)},
	)})
	if err != nil {
		return err
	}
	coreLinks, err := tx.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindIn(models.KindCore, models.KindCoreEx)},
	)})
	if err != nil {
		return err
	}
	var curTagIDs, allTagIDs, curCoreIDs, allCoreIDs []models.ID
	for _, f := range tagLinks {
		allTagIDs = append(allTagIDs, f.ID)
		if f.Kind == models.KindTag {
			curTagIDs = append(curTagIDs, f.ID)
		}
	}
	for _, f := range coreLinks {
		allCoreIDs = append(allCoreIDs, f.ID)
		if f.Kind == models.KindCore {
			curCoreIDs = append(curCoreIDs, f.ID)
		}
	}

	if _, err := tx.Delete(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindIn(
			models.KindTag, models.KindTagEx,
			models.KindCore, models.KindCoreEx,
			models.KindCites,
			models.KindReaction, models.KindReactionCount,
		)},
	)}); err != nil {
		return err
	}

	if err := e.reg.AdjustCount(tx, registry.Tag, curTagIDs, -1); err != nil {
		return err
	}
	if err := e.reg.AdjustCount(tx, registry.Core, curCoreIDs, -1); err != nil {
		return err
	}
	if _, err := e.reg.CollectZero(tx, registry.Tag, allTagIDs); err != nil {
		return err
	}
	if _, err := e.reg.CollectZero(tx, registry.Core, allCoreIDs); err != nil {
		return err
	}

	root, _, err := threadRootOf(tx, id)
	if err != nil {
		return err
	}

	if hasReplies {
		if err := reassignBump(tx, root, id); err != nil {
			return err
		}
		zero := int64(0)
		if _, err := tx.Update(facts.Query{Where: facts.And(
			facts.IDEq(id),
			[]facts.Pred{facts.KindEq(models.KindLastVersion)},
		)}, facts.Patch{Num: &zero}); err != nil {
			return err
		}
	} else {
		if root == id {
			// reply-less root: its self-pointer goes with it
			if _, err := tx.Delete(facts.Query{Where: facts.And(
				facts.OwnerEq(id),
				[]facts.Pred{facts.KindEq(models.KindBumpedRoot)},
			)}); err != nil {
				return err
			}
		} else {
			if err := reassignBump(tx, root, id); err != nil {
				return err
			}
		}
		if _, err := tx.Delete(facts.Query{Where: facts.And(
			facts.IDEq(id),
			[]facts.Pred{facts.KindIn(models.KindLastVersion, models.KindDepth, models.KindCites)},
		)}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Log.Info("post_deleted", zap.Int64("ts", id.TS), zap.Bool("tombstoned", hasReplies))
	return nil
}

// reassignBump repoints the thread's bump pointer away from a deleted
// post, at the most recent still-active member of the thread, falling
// back to the root itself when none survive.
func reassignBump(tx facts.Tx, root, deleted models.ID) error {
	b, err := tx.SelectOne(facts.Query{Where: facts.And(
		facts.OwnerEq(root),
		[]facts.Pred{facts.KindEq(models.KindBumpedRoot)},
	)})
	if err != nil {
		return err
	}
	if b == nil || b.ID != deleted {
		return nil
	}

	members, err := tx.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(root),
		[]facts.Pred{facts.KindEq(models.KindDepth)},
	)})
	if err != nil {
		return err
	}
	candidates := make([]models.ID, 0, len(members)+1)
	if root != deleted {
		candidates = append(candidates, root)
	}
	for _, m := range members {
		if m.ID != deleted {
			candidates = append(candidates, m.ID)
		}
	}

	best := root
	bestTS := int64(-1)
	for _, c := range candidates {
		lv, err := lastVersionOf(tx, c)
		if err != nil {
			return err
		}
		if lv == nil || lv.Num == 0 {
			continue
		}
		if c.TS > bestTS {
			best, bestTS = c, c.TS
		}
	}
	_, err = tx.Update(facts.Query{Where: facts.And(
		facts.OwnerEq(root),
		[]facts.Pred{facts.KindEq(models.KindBumpedRoot)},
	)}, facts.IDTo(best))
	return err
}

// History returns a post's retained versions in order, with tag and core
// texts resolved. Tombstoned and absent posts have no history.
func (e *Engine) History(id models.ID) ([]models.Version, error) {
	cores, err := e.store.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindIn(models.KindCore, models.KindCoreEx)},
	), Order: facts.OrderNum})
	if err != nil {
		return nil, err
	}
	if len(cores) == 0 {
		return nil, nil
	}
	tagRows, err := e.store.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(id),
		[]facts.Pred{facts.KindIn(models.KindTag, models.KindTagEx)},
	)})
	if err != nil {
		return nil, err
	}

	var tagIDs, coreIDs []models.ID
	for _, f := range tagRows {
		tagIDs = append(tagIDs, f.ID)
	}
	for _, f := range cores {
		coreIDs = append(coreIDs, f.ID)
	}
	tagTxt, err := e.reg.Lookup(e.store.Select, registry.Tag, tagIDs)
	if err != nil {
		return nil, err
	}
	coreTxt, err := e.reg.Lookup(e.store.Select, registry.Core, coreIDs)
	if err != nil {
		return nil, err
	}

	tagsByVersion := map[int64][]string{}
	for _, f := range tagRows {
		tagsByVersion[f.Num] = append(tagsByVersion[f.Num], tagTxt[f.ID])
	}
	out := make([]models.Version, 0, len(cores))
	for _, c := range cores {
		out = append(out, models.Version{N: c.Num, Tags: tagsByVersion[c.Num], Core: coreTxt[c.ID]})
	}
	return out, nil
}
