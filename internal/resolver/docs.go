package resolver

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/golovatskygroup/bard/internal/spec"
)

var wordPattern = regexp.MustCompile(`\w+`)

func words(s string) map[string]bool {
	return tokenSet(wordPattern.FindAllString(strings.ToLower(s), -1))
}

// FindEndpoints searches every (path, method) pair, not only GET. Pairs whose
// words cover the whole input win; otherwise pairs sharing at least one word
// come back ordered by how many they share.
func (r *Resolver) FindEndpoints(text string) []spec.Endpoint {
	input := words(text)
	all := r.doc.Endpoints()

	var full []spec.Endpoint
	overlap := make([]int, len(all))
	for i, ep := range all {
		available := words(ep.Path)
		available[ep.Method] = true
		n := 0
		for w := range input {
			if available[w] {
				n++
			}
		}
		overlap[i] = n
		if n == len(input) && n > 0 {
			full = append(full, ep)
		}
	}
	if len(full) > 0 {
		return full
	}

	idx := make([]int, 0, len(all))
	for i, n := range overlap {
		if n > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return overlap[idx[a]] > overlap[idx[b]] })
	out := make([]spec.Endpoint, len(idx))
	for i, j := range idx {
		out[i] = all[j]
	}
	return out
}

// DocLink builds the Swagger UI fragment for an operation, for example
// "#!/Observations/get_observations_id" for GET /observations/{id}.
func DocLink(path, method string) string {
	segments := strings.Split(path, "/")
	tag := ""
	if len(segments) > 1 {
		tag = titleWords(segments[1])
	}
	op := strings.TrimPrefix(path, "/")
	op = strings.ReplaceAll(op, "/", "_")
	op = strings.NewReplacer("{", "", "}", "").Replace(op)
	return "#!/" + tag + "/" + strings.ToLower(method) + "_" + op
}

// titleWords upper-cases the first letter of every run of letters and
// lower-cases the rest; "obs_fields" becomes "Obs_Fields".
func titleWords(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
