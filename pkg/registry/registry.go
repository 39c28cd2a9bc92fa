// Package registry deduplicates shared text blobs — tags and post body
// "cores" — into stable fact rows scoped per space, and keeps their
// reference counts accurate.
//
// The registry never writes on its own: every resolution and count
// adjustment goes through the caller's atomic unit, so a text row is
// created, referenced and counted in one commit.
package registry

import (
	"fmt"

	"go.uber.org/zap"

	"factdb/pkg/facts"
	"factdb/pkg/logger"
	"factdb/pkg/models"
	"factdb/pkg/utils"
)

// TextKind selects which deduplicated namespace a text belongs to.
type TextKind = models.Kind

const (
	Tag  TextKind = models.KindTagText
	Core TextKind = models.KindCoreText
)

// Registry resolves texts to deduplicated fact ids.
type Registry struct{}

func New() *Registry { return &Registry{} }

// ResolveOrCreate maps each text to its row id in the given space,
// synthesizing rows (with distinct creation timestamps and a zero count)
// for texts seen for the first time. New rows are inserted through tx so
// they commit together with whatever references them.
//
// Dedup is by (space, text). A lost race between two concurrent creators
// can leave duplicate rows whose counts split; that is an accepted,
// self-healing inconsistency, not something the registry repairs.
func (r *Registry) ResolveOrCreate(tx facts.Tx, kind TextKind, space int64, texts []string) (map[string]models.ID, error) {
	out := make(map[string]models.ID, len(texts))
	for _, text := range texts {
		if _, ok := out[text]; ok {
			continue
		}
		row, err := tx.SelectOne(facts.Query{Where: facts.And(
			facts.OwnerZero(),
			[]facts.Pred{facts.KindEq(kind), facts.IDSpaceEq(space), facts.TxtEq(text)},
		)})
		if err != nil {
			return nil, err
		}
		if row != nil {
			out[text] = row.ID
			continue
		}
		id := models.ID{TS: utils.NewTS(), Space: space}
		if err := tx.Insert(models.Fact{ID: id, Kind: kind, Num: 0, Txt: text}); err != nil {
			return nil, err
		}
		logger.Log.Debug("text_row_created",
			zap.String("kind", kind.String()), zap.Int64("space", space), zap.Int64("ts", id.TS))
		out[text] = id
	}
	return out, nil
}

// AdjustCount moves the reference count of each named row by delta (+1 or
// -1). A decrement that would go negative reports corruption. The registry
// only adjusts; callers garbage-collect rows that reach zero, inside the
// same atomic unit.
func (r *Registry) AdjustCount(tx facts.Tx, kind TextKind, ids []models.ID, delta int64) error {
	for _, id := range ids {
		row, err := tx.SelectOne(facts.Query{Where: facts.And(
			facts.IDEq(id), []facts.Pred{facts.KindEq(kind)},
		)})
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("%w: missing %s row for id %v", facts.ErrCorrupt, kind.String(), id)
		}
		if row.Num+delta < 0 {
			return fmt.Errorf("%w: %s count for id %v would go negative", facts.ErrCorrupt, kind.String(), id)
		}
		if _, err := tx.Update(facts.Query{Where: facts.And(
			facts.IDEq(id), []facts.Pred{facts.KindEq(kind)},
		)}, facts.NumAdd(delta)); err != nil {
			return err
		}
	}
	return nil
}

// CollectZero deletes the named rows that have reached a zero count and
// returns how many were removed. Runs in the caller's atomic unit,
// immediately after the decrement that may have zeroed them.
//
// A zero-count row is kept while any current or historical link still
// references it: counts track only current versions, but edit histories
// must keep resolving.
func (r *Registry) CollectZero(tx facts.Tx, kind TextKind, ids []models.ID) (int, error) {
	linkKinds := []models.Kind{models.KindTag, models.KindTagEx}
	if kind == Core {
		linkKinds = []models.Kind{models.KindCore, models.KindCoreEx}
	}
	removed := 0
	for _, id := range ids {
		refs, err := tx.Select(facts.Query{Where: facts.And(
			facts.IDEq(id), []facts.Pred{facts.KindIn(linkKinds...)},
		), Limit: 1})
		if err != nil {
			return removed, err
		}
		if len(refs) > 0 {
			continue
		}
		n, err := tx.Delete(facts.Query{Where: facts.And(
			facts.IDEq(id), []facts.Pred{facts.KindEq(kind), facts.NumEq(0)},
		)})
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if removed > 0 {
		logger.Log.Debug("text_rows_collected", zap.String("kind", kind.String()), zap.Int("count", removed))
	}
	return removed, nil
}

// Lookup resolves row ids back to their texts. Missing rows report
// corruption: a live reference must always have its text row.
func (r *Registry) Lookup(sel func(facts.Query) ([]models.Fact, error), kind TextKind, ids []models.ID) (map[models.ID]string, error) {
	out := make(map[models.ID]string, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		rows, err := sel(facts.Query{Where: facts.And(
			facts.IDEq(id), []facts.Pred{facts.KindEq(kind)},
		)})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("%w: missing %s row for id %v", facts.ErrCorrupt, kind.String(), id)
		}
		out[id] = rows[0].Txt
	}
	return out, nil
}
