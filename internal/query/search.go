package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Segment is one step of a path: an object key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

var segmentPattern = regexp.MustCompile(`\[(\d+)\]|([^\[\].]+)`)

// ParsePath splits "results[0].taxon.name" into its segments. Both
// "a[0].b" and "a[0]b" are accepted.
func ParsePath(path string) []Segment {
	var segs []Segment
	for _, m := range segmentPattern.FindAllStringSubmatch(path, -1) {
		if m[1] != "" {
			i, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			segs = append(segs, Segment{Index: i, IsIndex: true})
			continue
		}
		segs = append(segs, Segment{Key: m[2]})
	}
	return segs
}

// FormatPath is the inverse of ParsePath. A key after an index is always
// written with a dot, "results[0].taxon"; ParsePath also reads the undotted
// "results[0]taxon", so formatting normalizes such paths.
func FormatPath(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.IsIndex {
			fmt.Fprintf(&b, "[%d]", s.Index)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Key)
	}
	return b.String()
}

// Lookup follows segs from data.
func Lookup(data any, segs []Segment) (any, bool) {
	cur := data
	for _, s := range segs {
		switch node := cur.(type) {
		case map[string]any:
			if s.IsIndex {
				return nil, false
			}
			v, ok := node[s.Key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if !s.IsIndex || s.Index < 0 || s.Index >= len(node) {
				return nil, false
			}
			cur = node[s.Index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Match is one object found by Search, with its location.
type Match struct {
	Path  string         `json:"path"`
	Value map[string]any `json:"content"`
}

// Search walks data depth-first and returns every object whose own fields
// satisfy node. Children of a match are still searched. Object keys are
// visited in sorted order so the result is stable.
func Search(data any, node Node, start []Segment) []Match {
	root, ok := Lookup(data, start)
	if !ok {
		return nil
	}
	var out []Match
	walk(root, FormatPath(start), node, &out)
	return out
}

func walk(cur any, path string, node Node, out *[]Match) {
	switch v := cur.(type) {
	case map[string]any:
		if node.Check(v) {
			*out = append(*out, Match{Path: path, Value: v})
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(v[k], childKey(path, k), node, out)
		}
	case []any:
		for i, item := range v {
			walk(item, path+"["+strconv.Itoa(i)+"]", node, out)
		}
	case []map[string]any:
		for i, item := range v {
			walk(item, path+"["+strconv.Itoa(i)+"]", node, out)
		}
	}
}

func childKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// Result is what Find returns.
type Result struct {
	Matches    []Match     `json:"matches"`
	Comparison *Comparison `json:"comparison,omitempty"`
}

// Paths lists the match locations in order.
func (r *Result) Paths() []string {
	out := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.Path
	}
	return out
}

type findOptions struct {
	start   string
	compare bool
}

// Option configures Find.
type Option func(*findOptions)

// WithStartPoint restricts the search to the subtree at path.
func WithStartPoint(path string) Option {
	return func(o *findOptions) { o.start = path }
}

// WithComparison requests a census of the matches when there is more than
// one.
func WithComparison() Option {
	return func(o *findOptions) { o.compare = true }
}

// Find parses logic and searches data with it.
func Find(data any, logic string, opts ...Option) (*Result, error) {
	var o findOptions
	for _, opt := range opts {
		opt(&o)
	}
	node, err := Parse(logic)
	if err != nil {
		return nil, err
	}
	res := &Result{Matches: Search(data, node, ParsePath(o.start))}
	if o.compare && len(res.Matches) > 1 {
		res.Comparison = Compare(res.Matches)
	}
	return res, nil
}

// Filter re-applies a logic string to earlier matches without walking the
// source document again.
func Filter(matches []Match, logic string) ([]Match, error) {
	node, err := Parse(logic)
	if err != nil {
		return nil, err
	}
	return FilterNode(matches, node), nil
}

// FilterNode is Filter with a compiled tree.
func FilterNode(matches []Match, node Node) []Match {
	var out []Match
	for _, m := range matches {
		if node.Check(m.Value) {
			out = append(out, m)
		}
	}
	return out
}
