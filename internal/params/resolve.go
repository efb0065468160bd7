package params

import (
	"context"

	"github.com/golovatskygroup/bard/internal/resolver"
)

// suggestionCutoff is the minimum similarity for a "did you mean" key.
const suggestionCutoff = 0.6

// Action tells the container what to do with an unknown key.
type Action int

const (
	Reject Action = iota
	Ignore
	Correct
)

// UnresolvedKey describes a Set call with a key outside the accepted set.
type UnresolvedKey struct {
	Key        string
	Value      any
	Endpoint   string
	Suggestion string
	Valid      []string
}

// Resolution is a KeyResolver's answer. Key is only read for Correct.
type Resolution struct {
	Action Action
	Key    string
}

// KeyResolver decides the fate of unknown keys.
type KeyResolver interface {
	ResolveKey(ctx context.Context, u UnresolvedKey) (Resolution, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, u UnresolvedKey) (Resolution, error)

func (f KeyResolverFunc) ResolveKey(ctx context.Context, u UnresolvedKey) (Resolution, error) {
	return f(ctx, u)
}

// ResolveKey lets an Action act as a fixed policy: Reject and Ignore apply
// to every unknown key. Correct redirects to the suggestion when there is
// one and rejects otherwise.
func (a Action) ResolveKey(_ context.Context, u UnresolvedKey) (Resolution, error) {
	if a == Correct {
		if u.Suggestion == "" {
			return Resolution{Action: Reject}, nil
		}
		return Resolution{Action: Correct, Key: u.Suggestion}, nil
	}
	return Resolution{Action: a}, nil
}

// AutoCorrect redirects unknown keys to their closest valid key.
var AutoCorrect KeyResolver = Correct

// Suggest returns the valid key most similar to key, or "" when none is
// similar enough.
func Suggest(key string, valid []string) string {
	best := resolver.Rank(key, valid, suggestionCutoff, 1)
	if len(best) == 0 {
		return ""
	}
	return best[0]
}
