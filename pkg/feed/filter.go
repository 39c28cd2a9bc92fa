package feed

import "factdb/pkg/models"

// Filter is the pre-parsed search structure handed over by the external
// query parser. Include lists are disjunctive within a field, exclude
// lists always win, and empty lists mean "no constraint".
type Filter struct {
	Tags      []string    `json:"tags,omitempty"`
	NotTags   []string    `json:"not_tags,omitempty"`
	Cores     []string    `json:"cores,omitempty"`
	NotCores  []string    `json:"not_cores,omitempty"`
	Authors   []int64     `json:"authors,omitempty"`
	NotAuthor []int64     `json:"not_authors,omitempty"`
	Spaces    []int64     `json:"spaces,omitempty"`
	NotSpaces []int64     `json:"not_spaces,omitempty"`
	Posts     []models.ID `json:"posts,omitempty"`
	NotPosts  []models.ID `json:"not_posts,omitempty"`
	After     int64       `json:"after,omitempty"`  // id.TS > After
	Before    int64       `json:"before,omitempty"` // id.TS < Before
}

func containsStr(hay []string, s string) bool {
	for _, h := range hay {
		if h == s {
			return true
		}
	}
	return false
}

func anyTag(have []string, want []string) bool {
	for _, t := range have {
		if containsStr(want, t) {
			return true
		}
	}
	return false
}

func containsI64(hay []int64, v int64) bool {
	for _, h := range hay {
		if h == v {
			return true
		}
	}
	return false
}

func containsID(hay []models.ID, id models.ID) bool {
	for _, h := range hay {
		if h == id {
			return true
		}
	}
	return false
}

// match evaluates the filter against an assembled post view.
func (f *Filter) match(v *PostView) bool {
	if f == nil {
		return true
	}
	if containsID(f.NotPosts, v.ID) {
		return false
	}
	if len(f.Posts) > 0 && !containsID(f.Posts, v.ID) {
		return false
	}
	if containsI64(f.NotAuthor, v.ID.Actor) {
		return false
	}
	if len(f.Authors) > 0 && !containsI64(f.Authors, v.ID.Actor) {
		return false
	}
	if containsI64(f.NotSpaces, v.ID.Space) {
		return false
	}
	if len(f.Spaces) > 0 && !containsI64(f.Spaces, v.ID.Space) {
		return false
	}
	if f.After > 0 && v.ID.TS <= f.After {
		return false
	}
	if f.Before > 0 && v.ID.TS >= f.Before {
		return false
	}
	if anyTag(v.Tags, f.NotTags) {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(v.Tags, f.Tags) {
		return false
	}
	if containsStr(f.NotCores, v.Core) {
		return false
	}
	if len(f.Cores) > 0 && !containsStr(f.Cores, v.Core) {
		return false
	}
	return true
}
