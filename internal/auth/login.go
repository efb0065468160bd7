package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

// InteractiveLogin obtains a token when posting credentials to the token
// endpoint is impossible or has failed.
type InteractiveLogin interface {
	Login(ctx context.Context, endpoint string, creds Credentials) (string, error)
}

// TokenPrompter asks a person to paste a token.
type TokenPrompter interface {
	AskToken(ctx context.Context, endpoint string) (string, error)
}

// NoLogin never succeeds. Use it for unattended runs.
type NoLogin struct{}

func (NoLogin) Login(context.Context, string, Credentials) (string, error) {
	return "", ErrInteractiveUnavailable
}

// ManualPaste asks the user to open the token page and paste what it shows.
type ManualPaste struct {
	Prompter TokenPrompter
}

func (m ManualPaste) Login(ctx context.Context, endpoint string, _ Credentials) (string, error) {
	if m.Prompter == nil {
		return "", ErrInteractiveUnavailable
	}
	token, err := m.Prompter.AskToken(ctx, endpoint)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: no token pasted", ErrInteractiveUnavailable)
	}
	return token, nil
}

// Chain tries each login in order and returns the first token.
type Chain []InteractiveLogin

func (c Chain) Login(ctx context.Context, endpoint string, creds Credentials) (string, error) {
	var errs []error
	for _, l := range c {
		token, err := l.Login(ctx, endpoint, creds)
		if err == nil {
			return token, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", ErrInteractiveUnavailable
	}
	return "", errors.Join(errs...)
}

const (
	DefaultLoginTimeout = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// FormLogin signs in through the HTML login form that guards the token page,
// keeping the session cookie, then polls the token page until it serves
// the token.
type FormLogin struct {
	Client       *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

var (
	usernameFields = []string{"user_email", "user_login"}
	passwordField  = "user_password"
	submitField    = "commit"
)

func (f FormLogin) Login(ctx context.Context, endpoint string, creds Credentials) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("%w: form login needs the token page url", ErrInteractiveUnavailable)
	}
	if creds.Empty() {
		return "", fmt.Errorf("%w: form login needs a username and password", ErrInteractiveUnavailable)
	}
	client, err := f.client()
	if err != nil {
		return "", err
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	interval := f.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := fetch(ctx, client, endpoint)
	if err != nil {
		return "", err
	}
	if token := ExtractToken(page.body, page.contentType); token != "" {
		logger.Debug("already signed in", "url", endpoint)
		return token, nil
	}

	form, err := findLoginForm(page.body, page.url)
	if err != nil {
		return "", err
	}
	values := form.values
	values.Set(form.usernameName, creds.Username)
	values.Set(form.passwordName, creds.Password)
	if _, err := postForm(ctx, client, form.action, values); err != nil {
		return "", fmt.Errorf("submit login form: %w", err)
	}
	logger.Debug("login form submitted", "action", form.action)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		page, err := fetch(ctx, client, endpoint)
		if err == nil {
			if token := ExtractToken(page.body, page.contentType); token != "" {
				return token, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: timed out waiting for the token page: %v", ErrAuthenticationFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (f FormLogin) client() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	c := &http.Client{Timeout: 30 * time.Second}
	if f.Client != nil {
		cp := *f.Client
		c = &cp
	}
	c.Jar = jar
	return c, nil
}

type page struct {
	url         *url.URL
	body        []byte
	contentType string
}

func fetch(ctx context.Context, client *http.Client, target string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return &page{url: resp.Request.URL, body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

func postForm(ctx context.Context, client *http.Client, action string, values url.Values) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("POST %s: status %d", action, resp.StatusCode)
	}
	return &page{url: resp.Request.URL, body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

type loginForm struct {
	action       string
	values       url.Values
	usernameName string
	passwordName string
}

// findLoginForm locates the form holding the password field and collects
// its hidden inputs and submit button.
func findLoginForm(body []byte, pageURL *url.URL) (*loginForm, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse login page: %w", err)
	}
	var found *loginForm
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "form" {
			if f := readForm(n, pageURL); f != nil {
				found = f
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if found == nil {
		return nil, fmt.Errorf("%w: no login form on %s", ErrAuthenticationFailed, pageURL)
	}
	return found, nil
}

func readForm(form *html.Node, pageURL *url.URL) *loginForm {
	f := &loginForm{values: url.Values{}}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "input" || n.Data == "button") {
			id, name := attr(n, "id"), attr(n, "name")
			switch {
			case matchesField(id, name, usernameFields...) && f.usernameName == "":
				f.usernameName = firstNonEmpty(name, id)
			case matchesField(id, name, passwordField):
				f.passwordName = firstNonEmpty(name, id)
			case name == submitField:
				f.values.Set(name, attr(n, "value"))
			case strings.EqualFold(attr(n, "type"), "hidden") && name != "":
				f.values.Set(name, attr(n, "value"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
	if f.usernameName == "" || f.passwordName == "" {
		return nil
	}
	action := attr(form, "action")
	ref, err := url.Parse(action)
	if err != nil {
		return nil
	}
	f.action = pageURL.ResolveReference(ref).String()
	return f
}

func matchesField(id, name string, wanted ...string) bool {
	for _, w := range wanted {
		if id == w || name == w {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var quoted = regexp.MustCompile(`"([^"]+)"`)

// ExtractToken reads a token out of a token page: a JSON body with
// api_token (or token), the same JSON wrapped in a <pre> element, or the
// first quoted string inside a <pre> or a string object box.
func ExtractToken(body []byte, contentType string) string {
	if token := tokenFromJSON(body); token != "" {
		return token
	}
	if mt, _, _ := mime.ParseMediaType(contentType); mt == "application/json" {
		return ""
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var token string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if token != "" {
			return
		}
		if n.Type == html.ElementNode && (n.Data == "pre" || (n.Data == "span" && strings.Contains(attr(n, "class"), "objectBox-string"))) {
			text := strings.TrimSpace(textContent(n))
			if t := tokenFromJSON([]byte(text)); t != "" {
				token = t
				return
			}
			if m := quoted.FindStringSubmatch(text); m != nil {
				token = m[1]
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return token
}

func tokenFromJSON(data []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &payload); err != nil {
		return ""
	}
	for _, k := range []string{"api_token", "token", "access_token"} {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
