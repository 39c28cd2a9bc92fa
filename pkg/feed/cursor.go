package feed

import "factdb/pkg/models"

// Cursor resumes a feed walk. For the bumped sort BumpTS carries the
// bump timestamp of the last page entry and Seen the roots already
// emitted at exactly that timestamp, so ties never repeat or skip.
// For the new/old sorts only LastTS is set.
type Cursor struct {
	BumpTS int64       `json:"bump_ts,omitempty"`
	Seen   []models.ID `json:"seen,omitempty"`
	LastTS int64       `json:"last_ts,omitempty"`
}

// Zero reports whether the cursor marks an exhausted walk.
func (c Cursor) Zero() bool {
	return c.BumpTS == 0 && c.LastTS == 0 && len(c.Seen) == 0
}

func (c *Cursor) seenSet() map[models.ID]struct{} {
	if c == nil || len(c.Seen) == 0 {
		return nil
	}
	m := make(map[models.ID]struct{}, len(c.Seen))
	for _, id := range c.Seen {
		m[id] = struct{}{}
	}
	return m
}
