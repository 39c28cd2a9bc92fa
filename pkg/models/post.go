package models

// Version is one entry of a post's edit history. N starts at 1 and is
// contiguous; the highest N is the post's current version.
type Version struct {
	N    int64    `json:"n"`
	Tags []string `json:"tags,omitempty"`
	Core string   `json:"core"`
}

// Post is the payload accepted by the post engine. Versions carries the
// full history so a transported post can be recreated with its reference
// counts intact; for a fresh post it holds a single version.
type Post struct {
	ID       ID        `json:"id"`
	Parent   *ID       `json:"parent,omitempty"`
	Versions []Version `json:"versions"`
}

// LastVersion returns the highest version number in the payload, or 0
// when the history is empty.
func (p Post) LastVersion() int64 {
	if len(p.Versions) == 0 {
		return 0
	}
	return p.Versions[len(p.Versions)-1].N
}

// Reaction is one account's reaction to a post. ID.TS is the reaction
// time, ID.Actor the reacting account, ID.Space the space it was made in.
type Reaction struct {
	ID    ID     `json:"id"`
	Post  ID     `json:"post"`
	Emoji string `json:"emoji"`
}

// WhoWhere identifies the caller and target space, as resolved by the
// session layer. The core trusts it as given. Account 0 is anonymous.
type WhoWhere struct {
	Account int64 `json:"account"`
	Space   int64 `json:"space"`
}
