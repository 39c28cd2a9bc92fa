package facts

import (
	"sort"

	"factdb/pkg/models"
)

// Field names one of the eight fact columns.
type Field int

const (
	FOwnerTS Field = iota
	FOwnerActor
	FOwnerSpace
	FIDTS
	FIDActor
	FIDSpace
	FKind
	FNum
	FTxt
)

// Op is a predicate operator. The algebra is deliberately closed: it
// covers every access pattern the engines use and nothing more.
type Op int

const (
	OpEq Op = iota
	OpGt
	OpLt
	OpIn
)

// Pred is one column predicate. I and Is are the numeric operands, S and
// Ss the text ones (only FTxt compares as text).
type Pred struct {
	Field Field
	Op    Op
	I     int64
	S     string
	Is    []int64
	Ss    []string
}

// Order selects the single allowed sort column.
type Order int

const (
	OrderNone Order = iota
	OrderIDTS
	OrderNum
	OrderTxt
)

// Query is a conjunction of predicates with optional ordering and paging.
type Query struct {
	Where  []Pred
	Order  Order
	Desc   bool
	Limit  int // 0 = unlimited
	Offset int
}

// OwnerEq matches facts attached to the given owner.
func OwnerEq(id models.ID) []Pred {
	return []Pred{
		{Field: FOwnerTS, Op: OpEq, I: id.TS},
		{Field: FOwnerActor, Op: OpEq, I: id.Actor},
		{Field: FOwnerSpace, Op: OpEq, I: id.Space},
	}
}

// OwnerZero matches unowned (global) facts.
func OwnerZero() []Pred { return OwnerEq(models.ID{}) }

// IDEq matches facts whose own referent id is the given id. Passing a
// fact's Owner here (or an ID to OwnerEq) is how the self-join-style
// owner/id swaps are written.
func IDEq(id models.ID) []Pred {
	return []Pred{
		{Field: FIDTS, Op: OpEq, I: id.TS},
		{Field: FIDActor, Op: OpEq, I: id.Actor},
		{Field: FIDSpace, Op: OpEq, I: id.Space},
	}
}

// KindEq matches one fact kind.
func KindEq(k models.Kind) Pred { return Pred{Field: FKind, Op: OpEq, I: int64(k)} }

// KindIn matches any of the given fact kinds.
func KindIn(ks ...models.Kind) Pred {
	is := make([]int64, len(ks))
	for i, k := range ks {
		is[i] = int64(k)
	}
	return Pred{Field: FKind, Op: OpIn, Is: is}
}

// NumEq, NumGt and NumLt filter on the numeric payload.
func NumEq(n int64) Pred { return Pred{Field: FNum, Op: OpEq, I: n} }
func NumGt(n int64) Pred { return Pred{Field: FNum, Op: OpGt, I: n} }
func NumLt(n int64) Pred { return Pred{Field: FNum, Op: OpLt, I: n} }

// IDTSGt and IDTSLt bound the referent's creation timestamp; the feed
// cursors are built from these.
func IDTSGt(ts int64) Pred { return Pred{Field: FIDTS, Op: OpGt, I: ts} }
func IDTSLt(ts int64) Pred { return Pred{Field: FIDTS, Op: OpLt, I: ts} }

// IDActorEq and IDSpaceEq filter on the referent's account and space parts.
func IDActorEq(a int64) Pred { return Pred{Field: FIDActor, Op: OpEq, I: a} }
func IDSpaceEq(s int64) Pred { return Pred{Field: FIDSpace, Op: OpEq, I: s} }

// TxtEq and TxtIn filter on the text payload.
func TxtEq(s string) Pred { return Pred{Field: FTxt, Op: OpEq, S: s} }
func TxtIn(ss ...string) Pred { return Pred{Field: FTxt, Op: OpIn, Ss: ss} }

// And concatenates predicate groups into one conjunction.
func And(groups ...[]Pred) []Pred {
	var out []Pred
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Patch describes the rewrite applied by Update. Kind, ID and Num replace
// key fields (the caller guarantees the resulting key is unique); AddNum
// adjusts Num relative to its current value; Txt replaces the text payload.
type Patch struct {
	Kind   *models.Kind
	ID     *models.ID
	Num    *int64
	AddNum *int64
	Txt    *string
}

// KindTo returns a patch that relabels matched rows to the given kind.
func KindTo(k models.Kind) Patch { return Patch{Kind: &k} }

// IDTo returns a patch that repoints matched rows at the given referent.
func IDTo(id models.ID) Patch { return Patch{ID: &id} }

// NumAdd returns a patch that adjusts Num by delta.
func NumAdd(delta int64) Patch { return Patch{AddNum: &delta} }

func (p Patch) apply(f models.Fact) models.Fact {
	if p.Kind != nil {
		f.Kind = *p.Kind
	}
	if p.ID != nil {
		f.ID = *p.ID
	}
	if p.Num != nil {
		f.Num = *p.Num
	}
	if p.AddNum != nil {
		f.Num += *p.AddNum
	}
	if p.Txt != nil {
		f.Txt = *p.Txt
	}
	return f
}

// keyChanged reports whether the patch rewrites primary key fields.
func (p Patch) keyChanged() bool {
	return p.Kind != nil || p.ID != nil || p.Num != nil || p.AddNum != nil
}

func fieldInt(f *models.Fact, fl Field) int64 {
	switch fl {
	case FOwnerTS:
		return f.Owner.TS
	case FOwnerActor:
		return f.Owner.Actor
	case FOwnerSpace:
		return f.Owner.Space
	case FIDTS:
		return f.ID.TS
	case FIDActor:
		return f.ID.Actor
	case FIDSpace:
		return f.ID.Space
	case FKind:
		return int64(f.Kind)
	case FNum:
		return f.Num
	}
	return 0
}

func (p Pred) match(f *models.Fact) bool {
	if p.Field == FTxt {
		switch p.Op {
		case OpEq:
			return f.Txt == p.S
		case OpGt:
			return f.Txt > p.S
		case OpLt:
			return f.Txt < p.S
		case OpIn:
			for _, s := range p.Ss {
				if f.Txt == s {
					return true
				}
			}
			return false
		}
		return false
	}
	v := fieldInt(f, p.Field)
	switch p.Op {
	case OpEq:
		return v == p.I
	case OpGt:
		return v > p.I
	case OpLt:
		return v < p.I
	case OpIn:
		for _, i := range p.Is {
			if v == i {
				return true
			}
		}
		return false
	}
	return false
}

// Match evaluates the full conjunction against a row.
func (q Query) Match(f *models.Fact) bool {
	for _, p := range q.Where {
		if !p.match(f) {
			return false
		}
	}
	return true
}

// finish orders and pages an already-filtered row set. Ties fall back to
// the primary key so pagination stays stable across identical timestamps.
func (q Query) finish(rows []models.Fact) []models.Fact {
	if q.Order != OrderNone {
		less := func(a, b *models.Fact) bool {
			switch q.Order {
			case OrderIDTS:
				if a.ID.TS != b.ID.TS {
					return a.ID.TS < b.ID.TS
				}
			case OrderNum:
				if a.Num != b.Num {
					return a.Num < b.Num
				}
			case OrderTxt:
				if a.Txt != b.Txt {
					return a.Txt < b.Txt
				}
			}
			return pkLess(a, b)
		}
		sort.SliceStable(rows, func(i, j int) bool {
			if q.Desc {
				return less(&rows[j], &rows[i])
			}
			return less(&rows[i], &rows[j])
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			return nil
		}
		rows = rows[q.Offset:]
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}

func pkLess(a, b *models.Fact) bool {
	for _, fl := range []Field{FOwnerTS, FOwnerActor, FOwnerSpace, FIDTS, FIDActor, FIDSpace, FKind, FNum} {
		av, bv := fieldInt(a, fl), fieldInt(b, fl)
		if av != bv {
			return av < bv
		}
	}
	return false
}
