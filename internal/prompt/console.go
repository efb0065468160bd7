// Package prompt asks a person at a terminal the questions the rest of bard
// cannot answer alone: which endpoint was meant, what an unknown parameter
// should be, and what to do about a rejected token.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/moby/term"

	"github.com/golovatskygroup/bard/internal/auth"
	"github.com/golovatskygroup/bard/internal/params"
	"github.com/golovatskygroup/bard/internal/request"
)

// ErrNoAnswer is returned when input ends before a usable answer.
var ErrNoAnswer = errors.New("no answer")

const maxAttempts = 3

// Console reads answers line by line from in and writes questions to out.
// It is safe for concurrent use; questions are asked one at a time.
type Console struct {
	mu  sync.Mutex
	raw io.Reader
	in  *bufio.Reader
	out io.Writer
}

// New creates a console. When in is a terminal, secrets are read with
// echo disabled.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{raw: in, in: bufio.NewReader(in), out: out}
}

// Choose lists the candidates and reads a 1-based choice. 0 cancels.
func (c *Console) Choose(ctx context.Context, input string, candidates []string, approximate bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if approximate {
		fmt.Fprintf(c.out, "No endpoint matches %q. Closest endpoints:\n", input)
	} else {
		fmt.Fprintf(c.out, "Several endpoints match %q:\n", input)
	}
	for i, cand := range candidates {
		fmt.Fprintf(c.out, "  %d) %s\n", i+1, cand)
	}
	for range maxAttempts {
		answer, err := c.ask(ctx, fmt.Sprintf("Select 1-%d (0 to cancel): ", len(candidates)))
		if err != nil {
			return -1, err
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 0 && n <= len(candidates) {
			return n - 1, nil
		}
		fmt.Fprintln(c.out, "Please enter one of the listed numbers.")
	}
	return -1, fmt.Errorf("%w: no valid selection", ErrNoAnswer)
}

// ResolveKey offers the suggested key, or the list of valid keys, for a
// parameter the endpoint does not accept.
func (c *Console) ResolveKey(ctx context.Context, u params.UnresolvedKey) (params.Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "Parameter %q is not accepted by %s.\n", u.Key, u.Endpoint)
	if u.Suggestion != "" {
		for range maxAttempts {
			answer, err := c.ask(ctx, fmt.Sprintf("Use %q instead? [y]es, [n]o to skip it, [a]bort: ", u.Suggestion))
			if err != nil {
				return params.Resolution{}, err
			}
			switch strings.ToLower(answer) {
			case "y", "yes":
				return params.Resolution{Action: params.Correct, Key: u.Suggestion}, nil
			case "n", "no":
				return params.Resolution{Action: params.Ignore}, nil
			case "a", "abort":
				return params.Resolution{Action: params.Reject}, nil
			}
		}
		return params.Resolution{Action: params.Reject}, nil
	}

	fmt.Fprintf(c.out, "Accepted parameters: %s\n", strings.Join(u.Valid, ", "))
	for range maxAttempts {
		answer, err := c.ask(ctx, "Parameter to use (empty to skip, ! to abort): ")
		if err != nil {
			return params.Resolution{}, err
		}
		switch {
		case answer == "":
			return params.Resolution{Action: params.Ignore}, nil
		case answer == "!":
			return params.Resolution{Action: params.Reject}, nil
		case slices.Contains(u.Valid, answer):
			return params.Resolution{Action: params.Correct, Key: answer}, nil
		}
		fmt.Fprintf(c.out, "%q is not accepted either.\n", answer)
	}
	return params.Resolution{Action: params.Reject}, nil
}

// AskEndpoint asks for the token endpoint when the documentation does not
// name one.
func (c *Console) AskEndpoint(ctx context.Context, docURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Could not find the authentication endpoint in %s.\n", docURL)
	return c.ask(ctx, "Authentication URL (empty to skip): ")
}

// AskToken asks the user to fetch a token by hand.
func (c *Console) AskToken(ctx context.Context, endpoint string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if endpoint != "" {
		fmt.Fprintf(c.out, "Open %s in a browser and sign in.\n", endpoint)
	}
	return c.secret(ctx, "Paste the API token: ")
}

// Credentials asks for a username and password.
func (c *Console) Credentials(ctx context.Context) (auth.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credentials(ctx)
}

func (c *Console) credentials(ctx context.Context) (auth.Credentials, error) {
	user, err := c.ask(ctx, "Username or email: ")
	if err != nil {
		return auth.Credentials{}, err
	}
	pass, err := c.secret(ctx, "Password: ")
	if err != nil {
		return auth.Credentials{}, err
	}
	return auth.Credentials{Username: user, Password: pass}, nil
}

// OnUnauthorized lets the user decide how to continue after a 401.
func (c *Console) OnUnauthorized(ctx context.Context, url string) (request.RecoveryAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "The server rejected the token for %s.\n", url)
	fmt.Fprintln(c.out, "  1) paste a new token")
	fmt.Fprintln(c.out, "  2) sign in again")
	fmt.Fprintln(c.out, "  3) skip this request")
	fmt.Fprintln(c.out, "  4) abort")
	for range maxAttempts {
		answer, err := c.ask(ctx, "Choice: ")
		if err != nil {
			return request.RecoveryAction{}, err
		}
		switch answer {
		case "1":
			token, err := c.secret(ctx, "Paste the API token: ")
			if err != nil {
				return request.RecoveryAction{}, err
			}
			return request.RecoveryAction{Kind: request.PasteToken, Token: token}, nil
		case "2":
			creds, err := c.credentials(ctx)
			if err != nil {
				return request.RecoveryAction{}, err
			}
			return request.RecoveryAction{Kind: request.Reauthenticate, Credentials: creds}, nil
		case "3":
			return request.RecoveryAction{Kind: request.Ignore}, nil
		case "4":
			return request.RecoveryAction{Kind: request.Abort}, nil
		}
	}
	return request.RecoveryAction{Kind: request.Abort}, nil
}

func (c *Console) ask(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(c.out, question)
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: input closed", ErrNoAnswer)
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// secret reads a line with terminal echo off when possible.
func (c *Console) secret(ctx context.Context, question string) (string, error) {
	fd, isTerm := term.GetFdInfo(c.raw)
	if !isTerm {
		return c.ask(ctx, question)
	}
	state, err := term.SaveState(fd)
	if err != nil {
		return c.ask(ctx, question)
	}
	if err := term.DisableEcho(fd, state); err != nil {
		return c.ask(ctx, question)
	}
	defer func() {
		_ = term.RestoreTerminal(fd, state)
		fmt.Fprintln(c.out)
	}()
	return c.ask(ctx, question)
}
