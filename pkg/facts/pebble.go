package facts

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"factdb/pkg/logger"
	"factdb/pkg/models"
)

// Key layout. Primary rows live under "f:" keyed by the full primary key
// with the owner first, so owned-by lookups are prefix scans. A secondary
// "i:" index keyed by the referent id first makes id lookups prefix scans
// too; its value is the primary key. Both rows are always written in the
// same batch, mirroring the dual thread/version keying of the original
// message store.
var (
	pfxFact  = []byte("f:")
	pfxIndex = []byte("i:")
)

const idLen = 24 // three big-endian uint64s

func putID(b []byte, id models.ID) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(id.TS))
	b = binary.BigEndian.AppendUint64(b, uint64(id.Actor))
	b = binary.BigEndian.AppendUint64(b, uint64(id.Space))
	return b
}

func factKey(f *models.Fact) []byte {
	k := make([]byte, 0, len(pfxFact)+2*idLen+12)
	k = append(k, pfxFact...)
	k = putID(k, f.Owner)
	k = putID(k, f.ID)
	k = binary.BigEndian.AppendUint32(k, uint32(f.Kind))
	k = binary.BigEndian.AppendUint64(k, uint64(f.Num))
	return k
}

func indexKey(f *models.Fact) []byte {
	k := make([]byte, 0, len(pfxIndex)+2*idLen+12)
	k = append(k, pfxIndex...)
	k = putID(k, f.ID)
	k = putID(k, f.Owner)
	k = binary.BigEndian.AppendUint32(k, uint32(f.Kind))
	k = binary.BigEndian.AppendUint64(k, uint64(f.Num))
	return k
}

// PebbleStore is the primary Store backend.
type PebbleStore struct {
	db   *pebble.DB
	path string

	// wmu serializes atomic units; read-modify-write sequences (counter
	// bumps, refcounts) rely on this.
	wmu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// OpenPebble opens (or creates) a pebble-backed store at path.
func OpenPebble(path string) (*PebbleStore, error) {
	logger.Log.Info("opening_pebble_store", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	logger.Log.Info("pebble_store_opened", zap.String("path", path))
	return &PebbleStore{db: db, path: path}, nil
}

// Close closes the underlying database. Outstanding units must be settled.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return err
	}
	logger.Log.Info("pebble_store_closed", zap.String("path", s.path))
	return nil
}

func (s *PebbleStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// reader abstracts read access shared by the DB and an indexed batch.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// Begin opens an atomic unit backed by an indexed batch, so the unit's
// reads observe its own pending writes. Callers must Commit or Rollback.
func (s *PebbleStore) Begin() (Tx, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.wmu.Lock()
	return &pebbleTx{s: s, b: s.db.NewIndexedBatch()}, nil
}

// Select returns matching rows from the latest durable state.
func (s *PebbleStore) Select(q Query) ([]models.Fact, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return pebbleSelect(s.db, q)
}

// SelectOne is the exactly-one-or-zero assertion over Select.
func (s *PebbleStore) SelectOne(q Query) (*models.Fact, error) {
	return selectOne(s.Select, q)
}

type pebbleTx struct {
	s    *PebbleStore
	b    *pebble.Batch
	done bool
}

func (t *pebbleTx) finish() {
	if !t.done {
		t.done = true
		t.s.wmu.Unlock()
	}
}

func (t *pebbleTx) Commit() error {
	if t.done {
		return ErrClosed
	}
	err := t.b.Commit(pebble.Sync)
	t.finish()
	if err != nil {
		logger.Log.Error("fact_batch_commit_failed", zap.Error(err))
		return err
	}
	return nil
}

func (t *pebbleTx) Rollback() error {
	if t.done {
		return nil
	}
	err := t.b.Close()
	t.finish()
	return err
}

func (t *pebbleTx) Insert(rows ...models.Fact) error {
	if t.done {
		return ErrClosed
	}
	for i := range rows {
		f := rows[i]
		pk := factKey(&f)
		if _, c, err := t.b.Get(pk); err == nil {
			_ = c.Close()
			obsConstraint("pebble")
			return fmt.Errorf("%w: kind=%s owner=%v id=%v num=%d",
				ErrConstraint, f.Kind, f.Owner, f.ID, f.Num)
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		val, err := json.Marshal(&f)
		if err != nil {
			return err
		}
		if err := t.b.Set(pk, val, nil); err != nil {
			return err
		}
		if err := t.b.Set(indexKey(&f), pk, nil); err != nil {
			return err
		}
	}
	obsOp("pebble", "insert", len(rows))
	return nil
}

func (t *pebbleTx) Select(q Query) ([]models.Fact, error) {
	if t.done {
		return nil, ErrClosed
	}
	return pebbleSelect(t.b, q)
}

func (t *pebbleTx) SelectOne(q Query) (*models.Fact, error) {
	return selectOne(t.Select, q)
}

func (t *pebbleTx) Update(q Query, p Patch) (int, error) {
	if t.done {
		return 0, ErrClosed
	}
	rows, err := pebbleSelect(t.b, q)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		old := rows[i]
		nf := p.apply(old)
		oldPK := factKey(&old)
		newPK := factKey(&nf)
		if p.keyChanged() && !bytes.Equal(oldPK, newPK) {
			if _, c, err := t.b.Get(newPK); err == nil {
				_ = c.Close()
				obsConstraint("pebble")
				return 0, fmt.Errorf("%w: update target exists: kind=%s id=%v num=%d",
					ErrConstraint, nf.Kind, nf.ID, nf.Num)
			} else if !errors.Is(err, pebble.ErrNotFound) {
				return 0, err
			}
			if err := t.b.Delete(oldPK, nil); err != nil {
				return 0, err
			}
			if err := t.b.Delete(indexKey(&old), nil); err != nil {
				return 0, err
			}
		}
		val, err := json.Marshal(&nf)
		if err != nil {
			return 0, err
		}
		if err := t.b.Set(newPK, val, nil); err != nil {
			return 0, err
		}
		if err := t.b.Set(indexKey(&nf), newPK, nil); err != nil {
			return 0, err
		}
	}
	obsOp("pebble", "update", len(rows))
	return len(rows), nil
}

func (t *pebbleTx) Delete(q Query) (int, error) {
	if t.done {
		return 0, ErrClosed
	}
	rows, err := pebbleSelect(t.b, q)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		f := rows[i]
		if err := t.b.Delete(factKey(&f), nil); err != nil {
			return 0, err
		}
		if err := t.b.Delete(indexKey(&f), nil); err != nil {
			return 0, err
		}
	}
	obsOp("pebble", "delete", len(rows))
	return len(rows), nil
}

// eqID extracts a full composite-id equality from a conjunction, if the
// query pins all three parts of the owner (or referent) id.
func eqID(where []Pred, ts, actor, space Field) (models.ID, bool) {
	var id models.ID
	var seen [3]bool
	for _, p := range where {
		if p.Op != OpEq {
			continue
		}
		switch p.Field {
		case ts:
			id.TS, seen[0] = p.I, true
		case actor:
			id.Actor, seen[1] = p.I, true
		case space:
			id.Space, seen[2] = p.I, true
		}
	}
	return id, seen[0] && seen[1] && seen[2]
}

// pebbleSelect plans the narrowest available scan: owner prefix, id index
// prefix, or a full scan of the fact namespace. Matching rows are then
// ordered and paged in memory.
func pebbleSelect(r reader, q Query) ([]models.Fact, error) {
	var out []models.Fact

	if owner, ok := eqID(q.Where, FOwnerTS, FOwnerActor, FOwnerSpace); ok {
		prefix := putID(append([]byte(nil), pfxFact...), owner)
		if err := scanDecode(r, prefix, q, &out); err != nil {
			return nil, err
		}
		return q.finish(out), nil
	}

	if id, ok := eqID(q.Where, FIDTS, FIDActor, FIDSpace); ok {
		prefix := putID(append([]byte(nil), pfxIndex...), id)
		iter, err := r.NewIter(&pebble.IterOptions{})
		if err != nil {
			return nil, err
		}
		defer iter.Close()
		for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), prefix) {
				break
			}
			pk := append([]byte(nil), iter.Value()...)
			val, c, err := r.Get(pk)
			if err != nil {
				if errors.Is(err, pebble.ErrNotFound) {
					return nil, fmt.Errorf("%w: dangling index entry", ErrCorrupt)
				}
				return nil, err
			}
			var f models.Fact
			uerr := json.Unmarshal(val, &f)
			_ = c.Close()
			if uerr != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, uerr)
			}
			if q.Match(&f) {
				out = append(out, f)
			}
		}
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return q.finish(out), nil
	}

	if err := scanDecode(r, pfxFact, q, &out); err != nil {
		return nil, err
	}
	return q.finish(out), nil
}

func scanDecode(r reader, prefix []byte, q Query, out *[]models.Fact) error {
	iter, err := r.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var f models.Fact
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if q.Match(&f) {
			*out = append(*out, f)
		}
	}
	return iter.Error()
}
