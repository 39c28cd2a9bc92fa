package posts

import (
	"regexp"
	"strconv"

	"factdb/pkg/models"
)

// Citation tokens embed the cited post's composite id in the core text as
// [[ts:actor:space]] with base-10 parts.
var citeRe = regexp.MustCompile(`\[\[(\d+):(\d+):(\d+)\]\]`)

// ScanCitations extracts the distinct post ids cited by a core text, in
// first-appearance order. Malformed tokens are ignored.
func ScanCitations(core string) []models.ID {
	var (
		out  []models.ID
		seen = map[models.ID]struct{}{}
	)
	for _, m := range citeRe.FindAllStringSubmatch(core, -1) {
		ts, err1 := strconv.ParseInt(m[1], 10, 64)
		actor, err2 := strconv.ParseInt(m[2], 10, 64)
		space, err3 := strconv.ParseInt(m[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		id := models.ID{TS: ts, Actor: actor, Space: space}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
