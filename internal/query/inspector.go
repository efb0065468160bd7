package query

import (
	"errors"
	"fmt"
	"sort"
)

// ErrPathNotFound is returned by Inspector.Get when Select could not follow
// its path.
var ErrPathNotFound = errors.New("path not found")

// Inspector chains select/filter/map/sort/reduce steps over decoded JSON.
// The first failing step sticks; later steps are no-ops and Get reports it.
type Inspector struct {
	data any
	err  error
}

// Inspect starts a chain at data.
func Inspect(data any) *Inspector {
	return &Inspector{data: data}
}

func (q *Inspector) next(data any) *Inspector {
	return &Inspector{data: data}
}

func (q *Inspector) fail(err error) *Inspector {
	return &Inspector{err: err}
}

// Select descends to path, for example "results[0].taxon".
func (q *Inspector) Select(path string) *Inspector {
	if q.err != nil {
		return q
	}
	v, ok := Lookup(q.data, ParsePath(path))
	if !ok {
		return q.fail(fmt.Errorf("select %q: %w", path, ErrPathNotFound))
	}
	return q.next(v)
}

// Filter keeps list items for which keep is true. On an object it keeps the
// object or replaces it with an empty one. Scalars pass through.
func (q *Inspector) Filter(keep func(any) bool) *Inspector {
	if q.err != nil {
		return q
	}
	switch v := q.data.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if keep(item) {
				out = append(out, item)
			}
		}
		return q.next(out)
	case map[string]any:
		if keep(v) {
			return q.next(v)
		}
		return q.next(map[string]any{})
	}
	return q
}

// Where is Filter driven by a logic string. Non-object items never match.
func (q *Inspector) Where(logic string) *Inspector {
	if q.err != nil {
		return q
	}
	node, err := Parse(logic)
	if err != nil {
		return q.fail(err)
	}
	return q.Filter(func(item any) bool {
		obj, ok := item.(map[string]any)
		return ok && node.Check(obj)
	})
}

// Map applies fn to each list item, or to the object itself.
func (q *Inspector) Map(fn func(any) any) *Inspector {
	if q.err != nil {
		return q
	}
	switch v := q.data.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = fn(item)
		}
		return q.next(out)
	case map[string]any:
		return q.next(fn(v))
	}
	return q
}

// Flatten turns nested lists into one flat list.
func (q *Inspector) Flatten() *Inspector {
	if q.err != nil {
		return q
	}
	var out []any
	var flat func(any)
	flat = func(x any) {
		if list, ok := x.([]any); ok {
			for _, item := range list {
				flat(item)
			}
			return
		}
		out = append(out, x)
	}
	flat(q.data)
	return q.next(out)
}

// Sort orders a list of objects by key. Items without the key, or with a
// value that cannot be ordered against the others, keep their relative
// order at the end.
func (q *Inspector) Sort(key string, desc bool) *Inspector {
	if q.err != nil {
		return q
	}
	list, ok := q.data.([]any)
	if !ok {
		return q
	}
	out := make([]any, len(list))
	copy(out, list)
	field := func(item any) (any, bool) {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[key]
		return v, ok
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := field(out[i])
		b, bok := field(out[j])
		if !aok || !bok {
			return aok && !bok
		}
		cmp, ok := compare(a, b)
		if !ok {
			return false
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return q.next(out)
}

// Reduce folds a list into a single value.
func (q *Inspector) Reduce(fn func(acc, item any) any, initial any) *Inspector {
	if q.err != nil {
		return q
	}
	list, ok := q.data.([]any)
	if !ok {
		return q
	}
	acc := initial
	for _, item := range list {
		acc = fn(acc, item)
	}
	return q.next(acc)
}

// MapJS is Map with a script such as "t => t.name".
func (q *Inspector) MapJS(s *Script) *Inspector {
	var callErr error
	res := q.Map(func(item any) any {
		if callErr != nil {
			return nil
		}
		v, err := s.Call(item)
		if err != nil {
			callErr = err
		}
		return v
	})
	if callErr != nil {
		return q.fail(callErr)
	}
	return res
}

// FilterJS is Filter with a predicate script such as "t => t.count > 10".
func (q *Inspector) FilterJS(s *Script) *Inspector {
	var callErr error
	res := q.Filter(func(item any) bool {
		if callErr != nil {
			return false
		}
		ok, err := s.Test(item)
		if err != nil {
			callErr = err
		}
		return ok
	})
	if callErr != nil {
		return q.fail(callErr)
	}
	return res
}

// ReduceJS is Reduce with a script such as "(acc, t) => acc + t.count".
func (q *Inspector) ReduceJS(s *Script, initial any) *Inspector {
	var callErr error
	res := q.Reduce(func(acc, item any) any {
		if callErr != nil {
			return acc
		}
		v, err := s.Call(acc, item)
		if err != nil {
			callErr = err
			return acc
		}
		return v
	}, initial)
	if callErr != nil {
		return q.fail(callErr)
	}
	return res
}

// Get returns the current value or the first error in the chain.
func (q *Inspector) Get() (any, error) {
	return q.data, q.err
}
