package query

import "sort"

// MultipleValues marks a key whose value differs between matches.
const MultipleValues = "MULTIPLE_VALUES"

// Combination is a distinct set of values shared by one or more matches.
type Combination struct {
	Paths  []string       `json:"paths"`
	Values map[string]any `json:"values"`
}

// Comparison is a key-by-key census over a set of matches.
type Comparison struct {
	UniqueCombinations []Combination             `json:"unique_combinations"`
	SharedValues       map[string]any            `json:"shared_values"`
	UniqueValues       map[string]map[string]any `json:"unique_values"`
}

// Compare builds the census over the union of keys in matches. A key absent
// from a match counts as null for it. For a key flagged MultipleValues, any
// value held by exactly one match is recorded under that match's path.
func Compare(matches []Match) *Comparison {
	keySet := map[string]struct{}{}
	for _, m := range matches {
		for k := range m.Value {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &Comparison{
		SharedValues: map[string]any{},
		UniqueValues: map[string]map[string]any{},
	}

	canon := make([][]string, len(matches))
	groupIndex := map[string]int{}
	for i, m := range matches {
		row := make([]string, len(keys))
		sig := ""
		for j, k := range keys {
			row[j] = canonical(m.Value[k])
			sig += canonical(k) + "=" + row[j] + ";"
		}
		canon[i] = row
		if gi, ok := groupIndex[sig]; ok {
			out.UniqueCombinations[gi].Paths = append(out.UniqueCombinations[gi].Paths, m.Path)
			continue
		}
		values := make(map[string]any, len(keys))
		for _, k := range keys {
			values[k] = m.Value[k]
		}
		groupIndex[sig] = len(out.UniqueCombinations)
		out.UniqueCombinations = append(out.UniqueCombinations, Combination{
			Paths:  []string{m.Path},
			Values: values,
		})
	}

	for j, k := range keys {
		owners := map[string][]int{}
		var order []string
		for i := range matches {
			c := canon[i][j]
			if _, seen := owners[c]; !seen {
				order = append(order, c)
			}
			owners[c] = append(owners[c], i)
		}
		if len(order) == 1 {
			out.SharedValues[k] = matches[owners[order[0]][0]].Value[k]
			continue
		}
		out.SharedValues[k] = MultipleValues
		for _, c := range order {
			idx := owners[c]
			if len(idx) != 1 {
				continue
			}
			m := matches[idx[0]]
			if out.UniqueValues[m.Path] == nil {
				out.UniqueValues[m.Path] = map[string]any{}
			}
			out.UniqueValues[m.Path][k] = m.Value[k]
		}
	}
	return out
}
