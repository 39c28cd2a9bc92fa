// Package reactions implements per-account reactions with atomically
// maintained per-(post, emoji) aggregate counters. The counter row is
// created by the first reaction, moves with every add/remove in the same
// atomic unit, and is garbage-collected when it would reach zero.
package reactions

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"factdb/pkg/facts"
	"factdb/pkg/logger"
	"factdb/pkg/models"
)

var (
	// ErrInvalidReaction rejects a malformed reaction before anything is
	// written.
	ErrInvalidReaction = errors.New("reactions: invalid reaction")

	// ErrAlreadyReacted rejects a duplicate (post, reactor, emoji) reaction.
	ErrAlreadyReacted = errors.New("reactions: already reacted")

	// ErrReactionNotFound rejects removal of a reaction that is not there.
	ErrReactionNotFound = errors.New("reactions: reaction not found")

	// ErrPostNotFound rejects reacting to an absent or tombstoned post.
	ErrPostNotFound = errors.New("reactions: post not found")
)

type Engine struct {
	store facts.Store
}

func NewEngine(store facts.Store) *Engine {
	return &Engine{store: store}
}

func counterQuery(post models.ID, emoji string) facts.Query {
	return facts.Query{Where: facts.And(
		facts.OwnerEq(post),
		[]facts.Pred{facts.KindEq(models.KindReactionCount), facts.TxtEq(emoji)},
	)}
}

// Add records a reaction and bumps (or creates) the aggregate counter.
func (e *Engine) Add(r models.Reaction) error {
	if r.Emoji == "" {
		return fmt.Errorf("%w: empty emoji", ErrInvalidReaction)
	}

	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lv, err := tx.SelectOne(facts.Query{Where: facts.And(
		facts.IDEq(r.Post),
		[]facts.Pred{facts.KindEq(models.KindLastVersion)},
	)})
	if err != nil {
		return err
	}
	if lv == nil || lv.Num == 0 {
		return fmt.Errorf("%w: %v", ErrPostNotFound, r.Post)
	}

	existing, err := tx.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(r.Post),
		[]facts.Pred{
			facts.KindEq(models.KindReaction),
			facts.IDActorEq(r.ID.Actor),
			facts.TxtEq(r.Emoji),
		},
	), Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: account %d on %v", ErrAlreadyReacted, r.ID.Actor, r.Post)
	}

	if err := tx.Insert(models.Fact{Owner: r.Post, ID: r.ID, Kind: models.KindReaction, Txt: r.Emoji}); err != nil {
		return err
	}

	counter, err := tx.SelectOne(counterQuery(r.Post, r.Emoji))
	if err != nil {
		return err
	}
	if counter == nil {
		if err := tx.Insert(models.Fact{
			Owner: r.Post, ID: r.ID, Kind: models.KindReactionCount, Num: 1, Txt: r.Emoji,
		}); err != nil {
			return err
		}
	} else {
		if _, err := tx.Update(counterQuery(r.Post, r.Emoji), facts.NumAdd(1)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Log.Debug("reaction_added",
		zap.Int64("post_ts", r.Post.TS), zap.Int64("account", r.ID.Actor), zap.String("emoji", r.Emoji))
	return nil
}

// Remove deletes a reaction and decrements the counter; a counter at 1 is
// deleted together with the reactor row.
func (e *Engine) Remove(post models.ID, account int64, emoji string) error {
	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	reacted, err := tx.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(post),
		[]facts.Pred{
			facts.KindEq(models.KindReaction),
			facts.IDActorEq(account),
			facts.TxtEq(emoji),
		},
	), Limit: 1})
	if err != nil {
		return err
	}
	if len(reacted) == 0 {
		return fmt.Errorf("%w: account %d on %v", ErrReactionNotFound, account, post)
	}

	counter, err := tx.SelectOne(counterQuery(post, emoji))
	if err != nil {
		return err
	}
	if counter == nil {
		return fmt.Errorf("%w: reaction without counter on %v", facts.ErrCorrupt, post)
	}

	if _, err := tx.Delete(facts.Query{Where: facts.And(
		facts.OwnerEq(post),
		facts.IDEq(reacted[0].ID),
		[]facts.Pred{facts.KindEq(models.KindReaction)},
	)}); err != nil {
		return err
	}
	if counter.Num <= 1 {
		if _, err := tx.Delete(counterQuery(post, emoji)); err != nil {
			return err
		}
	} else {
		if _, err := tx.Update(counterQuery(post, emoji), facts.NumAdd(-1)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Log.Debug("reaction_removed",
		zap.Int64("post_ts", post.TS), zap.Int64("account", account), zap.String("emoji", emoji))
	return nil
}

// Counts returns the per-emoji aggregate counters for a post.
func (e *Engine) Counts(post models.ID) (map[string]int64, error) {
	rows, err := e.store.Select(facts.Query{Where: facts.And(
		facts.OwnerEq(post),
		[]facts.Pred{facts.KindEq(models.KindReactionCount)},
	)})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, f := range rows {
		out[f.Txt] = f.Num
	}
	return out, nil
}
