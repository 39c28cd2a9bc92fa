package facts

import (
	"fmt"

	"factdb/pkg/models"
)

// Store is the fact relation. Reads may run concurrently with writes;
// every mutating sequence runs inside a Tx so partial application cannot
// be observed.
type Store interface {
	// Begin opens an atomic unit. Writers are serialized: Begin blocks
	// until the previous unit commits or rolls back.
	Begin() (Tx, error)

	// Select returns matching rows outside any atomic unit.
	Select(q Query) ([]models.Fact, error)

	// SelectOne returns the single matching row, nil when none matches,
	// or ErrCardinality when more than one does.
	SelectOne(q Query) (*models.Fact, error)

	Close() error
}

// Tx is one atomic unit against the store. Reads observe the unit's own
// pending writes. Commit makes all writes durable together; Rollback
// discards them. Exactly one of the two must be called.
type Tx interface {
	Insert(rows ...models.Fact) error
	Select(q Query) ([]models.Fact, error)
	SelectOne(q Query) (*models.Fact, error)

	// Update rewrites matching rows through the patch and reports how many
	// were touched. Patches that rewrite key fields fail with ErrConstraint
	// when the new key collides.
	Update(q Query, p Patch) (int, error)

	// Delete removes matching rows and reports how many were removed.
	Delete(q Query) (int, error)

	Commit() error
	Rollback() error
}

// Open opens a store of the named backend ("pebble" or "sqlite") at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "pebble":
		return OpenPebble(path)
	case "sqlite":
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("facts: unknown backend %q", backend)
}

// selectOne implements the shared exactly-one-or-zero assertion on top of
// a two-row probe.
func selectOne(sel func(Query) ([]models.Fact, error), q Query) (*models.Fact, error) {
	q.Limit = 2
	q.Offset = 0
	rows, err := sel(q)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		f := rows[0]
		return &f, nil
	}
	return nil, fmt.Errorf("%w: query matched %d rows", ErrCardinality, len(rows))
}
