package auth

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// EndpointPrompter asks a person for the token endpoint when the
// specification does not reveal it. An empty answer means give up.
type EndpointPrompter interface {
	AskEndpoint(ctx context.Context, docURL string) (string, error)
}

// descriptionPatterns find a token URL in free-form API descriptions, most
// specific first. The first submatch is the URL.
var descriptionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(https?://\S+/users/api_token)`),
	regexp.MustCompile(`OAuth\s*(https?://\S+)`),
}

// preferredScheme is looked at before any other security scheme.
const preferredScheme = "api_token"

// TokenURLFromSchemes returns the first tokenUrl found in the security
// schemes: api_token first, then the rest by name. OpenAPI 3 flows are
// searched too.
func TokenURLFromSchemes(schemes map[string]any) string {
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		if name != preferredScheme {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := schemes[preferredScheme]; ok {
		names = append([]string{preferredScheme}, names...)
	}

	for _, name := range names {
		scheme, _ := schemes[name].(map[string]any)
		if u, _ := scheme["tokenUrl"].(string); u != "" {
			return u
		}
		flows, _ := scheme["flows"].(map[string]any)
		flowNames := make([]string, 0, len(flows))
		for f := range flows {
			flowNames = append(flowNames, f)
		}
		sort.Strings(flowNames)
		for _, f := range flowNames {
			flow, _ := flows[f].(map[string]any)
			if u, _ := flow["tokenUrl"].(string); u != "" {
				return u
			}
		}
	}
	return ""
}

// TokenURLFromDescription scans text with the description patterns.
func TokenURLFromDescription(text string) string {
	for _, re := range descriptionPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimRight(m[1], ".,;:)]}\"'")
		}
	}
	return ""
}

// discoverEndpoint walks the sources in order: configured value,
// security schemes, description, prompter. The result is resolved against
// baseURL.
func (m *Manager) discoverEndpoint(ctx context.Context) (string, error) {
	endpoint, source := m.endpoint, "configured"
	if endpoint == "" && m.doc != nil {
		endpoint, source = TokenURLFromSchemes(m.doc.SecuritySchemes()), "security definitions"
		if endpoint == "" {
			endpoint, source = TokenURLFromDescription(m.doc.Description()), "description"
		}
	}
	if endpoint == "" && m.endpointPrompter != nil {
		m.logger.Warn("authentication endpoint not found in the specification")
		answer, err := m.endpointPrompter.AskEndpoint(ctx, m.docURL)
		if err != nil {
			return "", fmt.Errorf("ask for authentication endpoint: %w", err)
		}
		endpoint, source = strings.TrimSpace(answer), "prompt"
	}
	if endpoint == "" {
		return "", fmt.Errorf("%w: no authentication endpoint (set auth_endpoint)", ErrAuthenticationFailed)
	}

	resolved, err := resolveAgainst(m.baseURL, endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: bad authentication endpoint %q: %v", ErrAuthenticationFailed, endpoint, err)
	}
	m.logger.Debug("authentication endpoint", "url", resolved, "source", source)
	return resolved, nil
}

func resolveAgainst(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if base == "" || r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

