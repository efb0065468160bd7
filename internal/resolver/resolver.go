// Package resolver turns loose user text such as "observation species counts"
// into one of the GET endpoints a specification declares.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/golovatskygroup/bard/internal/spec"
)

var (
	ErrNoMatchingEndpoint = errors.New("no matching endpoint")
	ErrAmbiguousEndpoint  = errors.New("ambiguous endpoint")
	ErrSelectionCancelled = errors.New("endpoint selection cancelled")
)

// AmbiguousError lists the endpoints that all contain the input.
type AmbiguousError struct {
	Input      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q matches %d endpoints: %s", e.Input, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguousEndpoint }

// NoMatchError carries the approximate suggestions, if any, for input that
// no endpoint contains.
type NoMatchError struct {
	Input       string
	Suggestions []string
}

func (e *NoMatchError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("no endpoint matches %q", e.Input)
	}
	return fmt.Sprintf("no endpoint matches %q (did you mean %s?)", e.Input, strings.Join(e.Suggestions, ", "))
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatchingEndpoint }

// Kind classifies a Match.
type Kind int

const (
	None Kind = iota
	Exact
	Unique
	Ambiguous
	Approximate
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Unique:
		return "unique"
	case Ambiguous:
		return "ambiguous"
	case Approximate:
		return "approximate"
	}
	return "none"
}

// Match is the outcome of matching text against the endpoint list.
type Match struct {
	Kind       Kind
	Candidates []string
}

// Chooser picks one of several candidates. It returns the chosen index, or
// -1 to cancel. approximate is set when the candidates are only similar to
// the input rather than containing it.
type Chooser interface {
	Choose(ctx context.Context, input string, candidates []string, approximate bool) (int, error)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(ctx context.Context, input string, candidates []string, approximate bool) (int, error)

func (f ChooserFunc) Choose(ctx context.Context, input string, candidates []string, approximate bool) (int, error) {
	return f(ctx, input, candidates, approximate)
}

// Resolver matches text against the GET endpoints of one document.
type Resolver struct {
	doc     *spec.Document
	calls   []string
	tokens  []map[string]bool
	strict  bool
	chooser Chooser
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrict toggles the exact-match shortcut. It is on by default.
func WithStrict(strict bool) Option {
	return func(r *Resolver) { r.strict = strict }
}

// WithChooser sets who decides between several candidates.
func WithChooser(c Chooser) Option {
	return func(r *Resolver) { r.chooser = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New indexes the GET endpoints of doc.
func New(doc *spec.Document, opts ...Option) *Resolver {
	r := &Resolver{
		doc:    doc,
		calls:  doc.GetPaths(),
		strict: true,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tokens = make([]map[string]bool, len(r.calls))
	for i, call := range r.calls {
		r.tokens[i] = tokenSet(Tokenize(call))
	}
	return r
}

// Calls returns the indexed endpoints in declaration order.
func (r *Resolver) Calls() []string {
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Tokenize lower-cases s and splits it on every non-letter, dropping empty
// tokens. "first_name", "first-name" and "First Name" all give the same
// tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// Match classifies text without asking anyone.
func (r *Resolver) Match(text string) Match {
	input := tokenSet(Tokenize(text))
	withoutMethods := map[string]bool{}
	for t := range input {
		if !spec.IsMethod(t) {
			withoutMethods[t] = true
		}
	}

	var contained []string
	for i, call := range r.calls {
		if r.strict && len(withoutMethods) > 0 && sameSet(withoutMethods, r.tokens[i]) {
			return Match{Kind: Exact, Candidates: []string{call}}
		}
		if len(input) > 0 && containsAll(r.tokens[i], input, "get") {
			contained = append(contained, call)
		}
	}

	switch len(contained) {
	case 0:
	case 1:
		return Match{Kind: Unique, Candidates: contained}
	default:
		return Match{Kind: Ambiguous, Candidates: contained}
	}

	if near := Rank(text, r.calls, SimilarityFloor, MaxSuggestions); len(near) > 0 {
		return Match{Kind: Approximate, Candidates: near}
	}
	return Match{Kind: None}
}

// Resolve returns the single endpoint text refers to, asking the Chooser
// when there is more than one candidate.
func (r *Resolver) Resolve(ctx context.Context, text string) (string, error) {
	m := r.Match(text)
	switch m.Kind {
	case Exact:
		r.logger.Info("taking exact match", "input", text, "endpoint", m.Candidates[0])
		return m.Candidates[0], nil
	case Unique:
		r.logger.Info("taking endpoint", "input", text, "endpoint", m.Candidates[0])
		return m.Candidates[0], nil
	case Ambiguous:
		if r.chooser == nil {
			return "", &AmbiguousError{Input: text, Candidates: m.Candidates}
		}
		return r.choose(ctx, text, m.Candidates, false)
	case Approximate:
		r.logger.Warn("no endpoint contains the input, trying close matches", "input", text, "candidates", m.Candidates)
		if r.chooser == nil {
			return "", &NoMatchError{Input: text, Suggestions: m.Candidates}
		}
		return r.choose(ctx, text, m.Candidates, true)
	}
	return "", &NoMatchError{Input: text}
}

func (r *Resolver) choose(ctx context.Context, text string, candidates []string, approximate bool) (string, error) {
	idx, err := r.chooser.Choose(ctx, text, candidates, approximate)
	if err != nil {
		return "", fmt.Errorf("choose endpoint for %q: %w", text, err)
	}
	if idx < 0 {
		return "", ErrSelectionCancelled
	}
	if idx >= len(candidates) {
		return "", fmt.Errorf("choose endpoint for %q: index %d out of range", text, idx)
	}
	r.logger.Info("endpoint chosen", "input", text, "endpoint", candidates[idx])
	return candidates[idx], nil
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// containsAll reports whether every token of sub is in set or equals extra.
func containsAll(set, sub map[string]bool, extra string) bool {
	for t := range sub {
		if !set[t] && t != extra {
			return false
		}
	}
	return true
}
