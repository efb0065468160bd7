package query

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestParseAndCheck(t *testing.T) {
	n, err := Parse("rank == family && observations_count > 10000")
	require.NoError(t, err)

	assert.True(t, n.Check(map[string]any{"rank": "family", "observations_count": 12000}))
	assert.False(t, n.Check(map[string]any{"rank": "family", "observations_count": 500}))
	assert.True(t, n.Check(map[string]any{"rank": "family", "observations_count": float64(12000)}))
}

func TestExists(t *testing.T) {
	n := MustParse("wikipedia_url exists")
	assert.False(t, n.Check(map[string]any{"name": "x"}))
	assert.True(t, n.Check(map[string]any{"wikipedia_url": ""}))

	neg := MustParse("wikipedia_url not exists")
	assert.True(t, neg.Check(map[string]any{"name": "x"}))
	assert.False(t, neg.Check(map[string]any{"wikipedia_url": nil}))

	assert.True(t, MustParse("name exist").Check(map[string]any{"name": "x"}))
}

func TestMissingKeyNeverMatchesUnderNegation(t *testing.T) {
	n := MustParse("rank not == family")
	assert.False(t, n.Check(map[string]any{"name": "x"}))
	assert.True(t, n.Check(map[string]any{"rank": "genus"}))
}

func TestPrecedence(t *testing.T) {
	n := MustParse("a == 1 || b == 2 && c == 3")
	assert.True(t, n.Check(map[string]any{"a": 1}))
	assert.False(t, n.Check(map[string]any{"b": 2}))
	assert.True(t, n.Check(map[string]any{"b": 2, "c": 3}))

	grouped := MustParse("(a == 1 || b == 2) && c == 3")
	assert.False(t, grouped.Check(map[string]any{"a": 1}))
	assert.True(t, grouped.Check(map[string]any{"a": 1, "c": 3}))

	op, ok := n.(*LogicalOp)
	require.True(t, ok)
	assert.Equal(t, Or, op.Op)
	require.Len(t, op.Operands, 2)
	assert.Equal(t, "(a == 1 || (b == 2 && c == 3))", n.String())
}

func TestOperators(t *testing.T) {
	obj := map[string]any{
		"rank":     "species",
		"id":       float64(42),
		"score":    3.5,
		"ancestry": "48460/1/47120/261866",
		"extinct":  false,
		"names":    []any{"Monarch", "Danaus plexippus"},
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"id == 42", true},
		{"id != 42", false},
		{"id < 50", true},
		{"id <= 42", true},
		{"id >= 43", false},
		{"score > 3.25", true},
		{"id in [1, 42, 7]", true},
		{"rank in ['genus', 'species']", true},
		{"rank not in [genus]", true},
		{"id in [1,2]", false},
		{"rank in subspecies", true},
		{"ancestry contains 261866", true},
		{"ancestry startswith 48460", true},
		{"ancestry endswith 47120", false},
		{"names contains plexippus", true},
		{"extinct == false", true},
		{"extinct == true", false},
		{"extinct != 0", false},
		{"rank == \"species\"", true},
		{"rank > 5", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			n, err := Parse(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n.Check(obj))
		})
	}
}

func TestLiteralCoercion(t *testing.T) {
	c, err := ParseCondition("count == 10")
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.Value)

	c, err = ParseCondition("lat >= -3.5")
	require.NoError(t, err)
	assert.Equal(t, -3.5, c.Value)

	c, err = ParseCondition("ancestry == 1/2/15")
	require.NoError(t, err)
	assert.Equal(t, "1/2/15", c.Value)

	c, err = ParseCondition("id in [1, '2.5', x]")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 2.5, "x"}, c.Value)

	c, err = ParseCondition("flag == TRUE")
	require.NoError(t, err)
	assert.Equal(t, true, c.Value)
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"rank == family &&",
		"|| rank == family",
		"(rank == family",
		"rank == family)",
		"rank == family & id == 1",
		"rank ~= family",
		"() ",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidLogicExpression))
			var se *SyntaxError
			assert.True(t, errors.As(err, &se))
		})
	}
}

const taxa = `{
  "total_results": 3,
  "results": [
    {"id": 1, "name": "Nymphalidae", "rank": "family", "observations_count": 20000,
     "ancestors": [{"id": 10, "rank": "order", "name": "Lepidoptera"}]},
    {"id": 2, "name": "Pieridae", "rank": "family", "observations_count": 900},
    {"id": 3, "name": "Danaus", "rank": "genus", "observations_count": 15000}
  ]
}`

func TestFindPaths(t *testing.T) {
	data := decode(t, taxa)

	res, err := Find(data, "rank == family")
	require.NoError(t, err)
	assert.Equal(t, []string{"results[0]", "results[1]"}, res.Paths())
	assert.Nil(t, res.Comparison)

	res, err = Find(data, "id exists")
	require.NoError(t, err)
	assert.Equal(t, []string{"results[0]", "results[0].ancestors[0]", "results[1]", "results[2]"}, res.Paths())

	res, err = Find(data, "total_results == 3")
	require.NoError(t, err)
	assert.Equal(t, []string{""}, res.Paths())
}

func TestFindStartPoint(t *testing.T) {
	data := decode(t, taxa)

	res, err := Find(data, "rank exists", WithStartPoint("results[0]"))
	require.NoError(t, err)
	assert.Equal(t, []string{"results[0]", "results[0].ancestors[0]"}, res.Paths())

	res, err = Find(data, "rank exists", WithStartPoint("results[9]"))
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}

func TestPathRoundTrip(t *testing.T) {
	segs := ParsePath("results[0].taxon.ancestors[2]")
	assert.Equal(t, []Segment{
		{Key: "results"},
		{Index: 0, IsIndex: true},
		{Key: "taxon"},
		{Key: "ancestors"},
		{Index: 2, IsIndex: true},
	}, segs)
	assert.Equal(t, "results[0].taxon.ancestors[2]", FormatPath(segs))
	assert.Equal(t, segs, ParsePath("results[0]taxon.ancestors[2]"))
}

func TestFormatPathNormalizesUndottedKeys(t *testing.T) {
	assert.Equal(t, "results[0].taxon", FormatPath(ParsePath("results[0]taxon")))
	assert.Equal(t, "[1][2].name", FormatPath(ParsePath("[1][2]name")))
}

func TestCompare(t *testing.T) {
	matches := []Match{
		{Path: "results[0]", Value: map[string]any{"name": "Monarch", "count": float64(5)}},
		{Path: "results[1]", Value: map[string]any{"name": "Monarch", "count": float64(7)}},
		{Path: "results[2]", Value: map[string]any{"name": "Monarch", "count": float64(5)}},
	}
	c := Compare(matches)

	assert.Equal(t, "Monarch", c.SharedValues["name"])
	assert.Equal(t, MultipleValues, c.SharedValues["count"])
	assert.Equal(t, map[string]map[string]any{
		"results[1]": {"count": float64(7)},
	}, c.UniqueValues)

	require.Len(t, c.UniqueCombinations, 2)
	assert.Equal(t, []string{"results[0]", "results[2]"}, c.UniqueCombinations[0].Paths)
	assert.Equal(t, []string{"results[1]"}, c.UniqueCombinations[1].Paths)
}

func TestCompareDifferingMatchFirst(t *testing.T) {
	matches := []Match{
		{Path: "a", Value: map[string]any{"name": "x", "count": 7}},
		{Path: "b", Value: map[string]any{"name": "x", "count": 5}},
		{Path: "c", Value: map[string]any{"name": "x", "count": 5}},
	}
	c := Compare(matches)
	assert.Equal(t, map[string]map[string]any{"a": {"count": 7}}, c.UniqueValues)
}

func TestCompareNestedValuesIgnoreKeyOrder(t *testing.T) {
	first := decode(t, `{"taxon": {"id": 1, "name": "x"}, "tags": [1, 2]}`).(map[string]any)
	second := decode(t, `{"tags": [1, 2], "taxon": {"name": "x", "id": 1}}`).(map[string]any)
	c := Compare([]Match{{Path: "p0", Value: first}, {Path: "p1", Value: second}})

	require.Len(t, c.UniqueCombinations, 1)
	assert.Equal(t, []string{"p0", "p1"}, c.UniqueCombinations[0].Paths)
	assert.Empty(t, c.UniqueValues)
	assert.Equal(t, first["taxon"], c.SharedValues["taxon"])
}

func TestCompareMissingKey(t *testing.T) {
	c := Compare([]Match{
		{Path: "a", Value: map[string]any{"name": "x", "wikipedia_url": "u"}},
		{Path: "b", Value: map[string]any{"name": "x"}},
		{Path: "c", Value: map[string]any{"name": "x"}},
	})
	assert.Equal(t, MultipleValues, c.SharedValues["wikipedia_url"])
	assert.Equal(t, map[string]map[string]any{"a": {"wikipedia_url": "u"}}, c.UniqueValues)
	assert.Nil(t, c.UniqueCombinations[1].Values["wikipedia_url"])
}

func TestFindWithComparison(t *testing.T) {
	data := decode(t, taxa)
	res, err := Find(data, "rank == family", WithComparison())
	require.NoError(t, err)
	require.NotNil(t, res.Comparison)
	assert.Equal(t, "family", res.Comparison.SharedValues["rank"])
	assert.Equal(t, MultipleValues, res.Comparison.SharedValues["name"])

	single, err := Find(data, "rank == genus", WithComparison())
	require.NoError(t, err)
	assert.Nil(t, single.Comparison)
}

func TestFilter(t *testing.T) {
	data := decode(t, taxa)
	res, err := Find(data, "observations_count exists")
	require.NoError(t, err)
	require.Len(t, res.Matches, 3)

	refined, err := Filter(res.Matches, "observations_count > 10000")
	require.NoError(t, err)
	assert.Equal(t, []string{"results[0]", "results[2]"}, (&Result{Matches: refined}).Paths())

	_, err = Filter(res.Matches, "(")
	assert.ErrorIs(t, err, ErrInvalidLogicExpression)
}

func TestInspector(t *testing.T) {
	data := decode(t, taxa)

	got, err := Inspect(data).
		Select("results").
		Where("observations_count > 1000").
		Sort("observations_count", true).
		Map(func(v any) any { return v.(map[string]any)["name"] }).
		Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"Nymphalidae", "Danaus"}, got)

	total, err := Inspect(data).
		Select("results").
		Reduce(func(acc, item any) any {
			return acc.(float64) + item.(map[string]any)["observations_count"].(float64)
		}, float64(0)).
		Get()
	require.NoError(t, err)
	assert.Equal(t, float64(35900), total)

	flat, err := Inspect(decode(t, `[[1, [2]], 3]`)).Flatten().Get()
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, flat)

	_, err = Inspect(data).Select("missing.path").Flatten().Get()
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestScriptStages(t *testing.T) {
	data := decode(t, taxa)

	names, err := CompileScript("t => t.name.toUpperCase()", 0)
	require.NoError(t, err)
	big, err := CompileScript("t => t.observations_count > 10000", 0)
	require.NoError(t, err)
	sum, err := CompileScript("(acc, t) => acc + t.observations_count", 0)
	require.NoError(t, err)

	got, err := Inspect(data).Select("results").FilterJS(big).MapJS(names).Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"NYMPHALIDAE", "DANAUS"}, got)

	total, err := Inspect(data).Select("results").ReduceJS(sum, 0).Get()
	require.NoError(t, err)
	n, ok := toFloat(total)
	require.True(t, ok)
	assert.Equal(t, float64(35900), n)
}

func TestScriptErrors(t *testing.T) {
	_, err := CompileScript("42", 0)
	assert.Error(t, err)

	_, err = CompileScript("t =>", 0)
	assert.Error(t, err)

	spin, err := CompileScript("t => { while (true) {} }", 50*time.Millisecond)
	require.NoError(t, err)
	_, err = spin.Call(1)
	assert.ErrorIs(t, err, ErrScriptTimeout)

	// the runtime stays usable after an interrupt
	id, err := CompileScript("t => t", 0)
	require.NoError(t, err)
	v, err := id.Call("ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestScriptTimeoutDoesNotLeakIntoNextCall(t *testing.T) {
	s, err := CompileScript("t => { if (t < 0) { while (true) {} } return t * 2 }", 20*time.Millisecond)
	require.NoError(t, err)
	for i := range 5 {
		_, err := s.Call(-1)
		require.ErrorIs(t, err, ErrScriptTimeout)

		v, err := s.Call(i)
		require.NoError(t, err, "call after timeout %d", i)
		assert.EqualValues(t, i*2, v)
	}
}
