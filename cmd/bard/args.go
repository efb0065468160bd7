package main

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/golovatskygroup/bard/internal/fanout"
)

// parseAssignments reads key=value arguments. Values holding a comma become
// lists; values starting with [ or { are decoded as JSON when they can be.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[k] = parseValue(strings.TrimSpace(v))
	}
	return out, nil
}

func parseValue(v string) any {
	if strings.HasPrefix(v, "[") || strings.HasPrefix(v, "{") {
		var decoded any
		if json.Unmarshal([]byte(v), &decoded) == nil {
			return decoded
		}
	}
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return v
}

// parseBox reads "swlng,swlat,nelng,nelat".
func parseBox(s string) (fanout.Box, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return fanout.Box{}, fmt.Errorf("box %q: want swlng,swlat,nelng,nelat", s)
	}
	var n [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return fanout.Box{}, fmt.Errorf("box %q: %w", s, err)
		}
		n[i] = f
	}
	return fanout.Box{SWLng: n[0], SWLat: n[1], NELng: n[2], NELat: n[3]}, nil
}

var stepPart = regexp.MustCompile(`(\d+)(mo|y|w|d|h|m|s)`)

// parseStep reads a calendar step such as "1mo", "2w" or "1y6mo".
func parseStep(s string) (fanout.Step, error) {
	var step fanout.Step
	rest := strings.ToLower(strings.TrimSpace(s))
	if rest == "" {
		return step, nil
	}
	for _, m := range stepPart.FindAllStringSubmatch(rest, -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "y":
			step.Years += n
		case "mo":
			step.Months += n
		case "w":
			step.Weeks += n
		case "d":
			step.Days += n
		case "h":
			step.Hours += n
		case "m":
			step.Minutes += n
		case "s":
			step.Seconds += n
		}
		rest = strings.Replace(rest, m[0], "", 1)
	}
	if rest != "" || step.IsZero() {
		return fanout.Step{}, fmt.Errorf("bad step %q: use units y, mo, w, d, h, m, s", s)
	}
	return step, nil
}
