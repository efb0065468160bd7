package bard

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/golovatskygroup/bard/internal/resolver"
)

const (
	describeWidth = 80
	columnWidth   = 40
)

// Describe renders the usage table of the endpoint best matching text:
// one row per parameter with its description, location and data type.
func (c *Client) Describe(ctx context.Context, text string) (string, error) {
	endpoint, err := c.resolver.Resolve(ctx, text)
	if err != nil {
		return "", err
	}
	usage, ok := c.doc.Usage(endpoint)
	if !ok {
		return "", fmt.Errorf("%w: %s has no GET operation", resolver.ErrNoMatchingEndpoint, endpoint)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", strings.ToUpper(usage.Method), usage.Path)
	if usage.Summary != "" {
		fmt.Fprintf(&b, "%s\n", usage.Summary)
	}
	for _, line := range wrap(usage.Description, describeWidth) {
		fmt.Fprintf(&b, "%s\n", line)
	}
	b.WriteString("\n")

	if len(usage.Parameters) == 0 {
		b.WriteString("This endpoint takes no parameters.\n")
		return b.String(), nil
	}

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARAMETER\tDESCRIPTION\tPARAMETER TYPE\tDATA TYPE")
	for _, p := range usage.Parameters {
		name := p.Name
		if p.Required {
			name += " *"
		}
		lines := wrap(p.Description, columnWidth)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, lines[0], p.In, p.DataType())
		for _, more := range lines[1:] {
			fmt.Fprintf(tw, "\t%s\t\t\n", more)
		}
	}
	if err := tw.Flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// wrap breaks s into lines of at most width runes at spaces. Words longer
// than width get a line of their own. The result always has one line.
func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len([]rune(line))+1+len([]rune(w)) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	return append(lines, line)
}
