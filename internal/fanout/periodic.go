package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golovatskygroup/bard/internal/params"
)

var (
	ErrNoDateRange  = errors.New("no after/before date parameters to split")
	ErrNoWindowSize = errors.New("either a period or a step is required")
)

// Step is a calendar interval. Years, months, weeks and days follow the
// calendar; the rest are fixed durations.
type Step struct {
	Years, Months, Weeks, Days int
	Hours, Minutes, Seconds    int
}

// IsZero reports whether s has no component set.
func (s Step) IsZero() bool { return s == Step{} }

func (s Step) addTo(t time.Time) time.Time {
	t = t.AddDate(s.Years, s.Months, s.Weeks*7+s.Days)
	return t.Add(time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Seconds)*time.Second)
}

// Options controls how Periodic cuts the range. Period, when positive,
// wins over Step.
type Options struct {
	Period    int
	Step      Step
	NoOverlap bool
}

const overlapGap = time.Microsecond

type rangeParam struct {
	name   string
	isDate bool
	start  bool
}

// Windows cuts the range between the "after" and "before" date parameters
// of c into windows and returns, for each, the values to set. Parameters
// qualify when they are typed date or date-time, hold a value, and mention
// "after" or "before" in their description.
func Windows(c *params.Container, opts Options) ([]Window, error) {
	var (
		found      []rangeParam
		start, end time.Time
		haveStart  bool
		haveEnd    bool
	)
	for _, key := range c.Keys() {
		def, _ := c.Definition(key)
		dt := def.DataType()
		if dt != "date" && dt != "date-time" {
			continue
		}
		v, ok := c.Get(key)
		if !ok || params.IsEmpty(v) {
			continue
		}
		desc := strings.ToLower(def.Description)
		isStart := strings.Contains(desc, "after")
		if !isStart && !strings.Contains(desc, "before") {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
		found = append(found, rangeParam{name: key, isDate: dt == "date", start: isStart})
		if isStart {
			start, haveStart = t, true
		} else {
			end, haveEnd = t, true
		}
	}
	if len(found) == 0 || !haveStart || !haveEnd {
		return nil, ErrNoDateRange
	}

	next, err := stepper(start, end, opts)
	if err != nil {
		return nil, err
	}

	var out []Window
	for cur := start; cur.Before(end); {
		to := next(cur)
		if !to.After(cur) {
			return nil, fmt.Errorf("%w: step does not advance", ErrNoWindowSize)
		}
		if to.After(end) {
			to = end
		}
		if opts.NoOverlap && to.Before(end) {
			to = to.Add(-overlapGap)
		}
		w := Window{}
		for _, p := range found {
			at := to
			if p.start {
				at = cur
			}
			w[p.name] = formatTime(at, p.isDate)
		}
		out = append(out, w)

		cur = to
		if opts.NoOverlap {
			cur = to.Add(overlapGap)
		}
	}
	return out, nil
}

// Periodic returns one copy of c per window.
func Periodic(ctx context.Context, c *params.Container, opts Options) ([]*params.Container, error) {
	windows, err := Windows(c, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*params.Container, len(windows))
	for i, w := range windows {
		cp := c.Clone()
		if err := cp.Update(ctx, w); err != nil {
			return nil, err
		}
		out[i] = cp
	}
	return out, nil
}

func stepper(start, end time.Time, opts Options) (func(time.Time) time.Time, error) {
	switch {
	case opts.Period > 0:
		delta := end.Sub(start) / time.Duration(opts.Period)
		return func(t time.Time) time.Time { return t.Add(delta) }, nil
	case !opts.Step.IsZero():
		return opts.Step.addTo, nil
	}
	return nil, ErrNoWindowSize
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: unrecognised date %q", params.ErrInvalidValue, x)
	}
	return time.Time{}, fmt.Errorf("%w: %T is not a date", params.ErrInvalidValue, v)
}

func formatTime(t time.Time, dateOnly bool) string {
	if dateOnly {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339Nano)
}
