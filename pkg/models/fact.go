package models

// ID is the composite identifier used both for a fact's own referent and
// for its owner reference. TS is a creation timestamp in nanoseconds and
// doubles as the uniqueness source; Actor is the authoring account id
// (0 = system); Space is the containing space id (0 = local).
type ID struct {
	TS    int64 `json:"ts"`
	Actor int64 `json:"actor"`
	Space int64 `json:"space"`
}

// IsZero reports whether the id is the all-zero "no owner / global" value.
func (id ID) IsZero() bool {
	return id.TS == 0 && id.Actor == 0 && id.Space == 0
}

// Kind discriminates the logical fact kinds stored in the single facts
// relation. Values are persisted; never renumber.
type Kind int32

const (
	// KindLastVersion is the singleton lifecycle fact of a post. ID is the
	// post id; Owner is the parent post id for replies and zero for roots.
	// Num holds the current version number, or 0 for a tombstoned post.
	KindLastVersion Kind = 1

	// KindBumpedRoot is the singleton thread-ordering fact of a root post.
	// Owner is the root id; ID is the most recently added post in the
	// thread (initially the root itself). Num and Txt are unused.
	KindBumpedRoot Kind = 2

	// KindDepth records a reply's distance from its root. Owner is the
	// root id, ID is the reply id, Num is the depth (root's children = 1).
	KindDepth Kind = 3

	// KindTag links a post's current version to a deduplicated tag text
	// row. Owner is the post id, ID is the tag row id, Num is the version
	// the link belongs to. Multi-valued per owner.
	KindTag Kind = 4

	// KindTagEx is a KindTag link of a superseded version.
	KindTagEx Kind = 5

	// KindCore links a post's current version to its deduplicated body
	// text row. Owner is the post id, ID is the core row id, Num is the
	// version. Singleton per (owner, version).
	KindCore Kind = 6

	// KindCoreEx is a KindCore link of a superseded version.
	KindCoreEx Kind = 7

	// KindTagText is a deduplicated tag text row. Unowned; ID.Space scopes
	// the text to a space; Txt is the text; Num is the live reference count.
	KindTagText Kind = 8

	// KindCoreText is a deduplicated body text row, shaped like KindTagText.
	KindCoreText Kind = 9

	// KindCites records a citation from one post to another. Owner is the
	// citing post id, ID is the cited post id. Multi-valued per owner.
	KindCites Kind = 10

	// KindReaction is one account's reaction to a post. Owner is the post
	// id; ID is (reaction ts, reactor account, space); Txt is the emoji.
	KindReaction Kind = 11

	// KindReactionCount aggregates reactions per (post, emoji). Owner is
	// the post id, ID is the id of the reaction that created the counter,
	// Txt is the emoji, Num is the live count. Unique per (owner, Txt).
	KindReactionCount Kind = 12
)

// String returns the stable name used in logs and by cmd/inspect.
func (k Kind) String() string {
	switch k {
	case KindLastVersion:
		return "last_version"
	case KindBumpedRoot:
		return "bumped_root"
	case KindDepth:
		return "depth"
	case KindTag:
		return "tag"
	case KindTagEx:
		return "tag_ex"
	case KindCore:
		return "core"
	case KindCoreEx:
		return "core_ex"
	case KindTagText:
		return "tag_text"
	case KindCoreText:
		return "core_text"
	case KindCites:
		return "cites"
	case KindReaction:
		return "reaction"
	case KindReactionCount:
		return "reaction_count"
	}
	return "unknown"
}

// Fact is one row of the generic store. The 8-tuple (Owner, ID, Kind, Num)
// is the primary key: Num is part of identity so multi-valued kinds can
// keep one row per version number, per tag, per emoji.
type Fact struct {
	Owner ID     `json:"owner"`
	ID    ID     `json:"id"`
	Kind  Kind   `json:"kind"`
	Num   int64  `json:"num"`
	Txt   string `json:"txt,omitempty"`
}
