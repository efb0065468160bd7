package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/golovatskygroup/bard/internal/auth"
	"github.com/golovatskygroup/bard/internal/fanout"
	"github.com/golovatskygroup/bard/internal/prompt"
	"github.com/golovatskygroup/bard/internal/query"
	"github.com/golovatskygroup/bard/internal/request"
	"github.com/golovatskygroup/bard/internal/results"
)

// splitCall separates the endpoint words from trailing key=value pairs.
func splitCall(args []string) (string, map[string]any, error) {
	var words, pairs []string
	for _, a := range args {
		if strings.Contains(a, "=") {
			pairs = append(pairs, a)
			continue
		}
		if len(pairs) > 0 {
			return "", nil, fmt.Errorf("endpoint words must come before key=value pairs, got %q", a)
		}
		words = append(words, a)
	}
	values, err := parseAssignments(pairs)
	if err != nil {
		return "", nil, err
	}
	return strings.Join(words, " "), values, nil
}

func newInstancesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List configured and built-in instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			def, _, _ := cfg.Instance(a.instance)
			for _, name := range cfg.Names() {
				mark := " "
				if name == def {
					mark = "*"
				}
				a.printf("%s %s\n", mark, name)
			}
			return nil
		},
	}
}

func newEndpointsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List the GET endpoints the API declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range c.Endpoints() {
				a.printf("%s\n", e)
			}
			return nil
		},
	}
}

func newDescribeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe TEXT...",
		Short: "Show an endpoint's summary and parameters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			out, err := c.Describe(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			a.printf("%s", out)
			return nil
		},
	}
}

func newURLCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "url TEXT... [key=value...]",
		Short: "Print the request URL without sending it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, values, err := splitCall(args)
			if err != nil {
				return err
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			p, err := c.Parameters(cmd.Context(), text)
			if err != nil {
				return err
			}
			if err := p.Update(cmd.Context(), values); err != nil {
				return err
			}
			u, err := c.BuildURL(p)
			if err != nil {
				return err
			}
			a.printf("%s\n", u)
			return nil
		},
	}
}

type fetchFlags struct {
	max      int
	where    string
	start    string
	compare  bool
	filterJS string
	mapJS    string
	user     string
	password string
	save     bool
}

func newFetchCommand(a *app) *cobra.Command {
	var f fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch TEXT... [key=value...]",
		Short: "Call an endpoint and print the JSON",
		Long: `Call an endpoint and print the JSON it returns. Paginated endpoints are
walked until every result (or --max of them) is gathered.

--where searches the response for objects matching a logic string such as
"rank == species & (observations_count > 10 | is_active == true)".
--filter-js and --map-js run a JavaScript function over the results array.

Output larger than inline_max_bytes is written to the results directory
and a reference to it is printed instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, values, err := splitCall(args)
			if err != nil {
				return err
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			var opts []request.ExecOption
			if f.max > 0 {
				opts = append(opts, request.WithMaxResults(f.max))
			}
			if f.user != "" || f.password != "" {
				opts = append(opts, request.WithCredentials(map[string]string{"username": f.user, "password": f.password}))
			}
			resp, err := c.Call(cmd.Context(), text, values, opts...)
			if err != nil {
				return err
			}
			if resp.Err != nil {
				c.Logger().Warn("pagination stopped early", "error", resp.Err, "results", len(resp.Results))
			}
			out, err := shape(resp, f)
			if err != nil {
				return err
			}
			return a.emit(text, out, f.save)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&f.max, "max", 0, "stop after this many results")
	flags.StringVar(&f.where, "where", "", "logic string selecting objects in the response")
	flags.StringVar(&f.start, "start", "", "path to search under, e.g. results[0].taxon")
	flags.BoolVar(&f.compare, "compare", false, "add a census of the --where matches")
	flags.StringVar(&f.filterJS, "filter-js", "", "JavaScript predicate applied to each result")
	flags.StringVar(&f.mapJS, "map-js", "", "JavaScript function applied to each result")
	flags.StringVar(&f.user, "user", envOr("BARD_USERNAME", ""), "login user for endpoints that need a token")
	flags.StringVar(&f.password, "password", envOr("BARD_PASSWORD", ""), "login password")
	flags.BoolVar(&f.save, "save", false, "always write the output to the results directory")
	return cmd
}

// shape applies the query flags to a response.
func shape(resp *request.Response, f fetchFlags) (any, error) {
	data := resp.Data()
	if f.filterJS != "" || f.mapJS != "" {
		items := resp.Results
		if items == nil {
			list, ok := data.([]any)
			if !ok {
				return nil, errors.New("--filter-js and --map-js need a list of results")
			}
			items = list
		}
		q := query.Inspect(items)
		if f.filterJS != "" {
			s, err := query.CompileScript(f.filterJS, 0)
			if err != nil {
				return nil, err
			}
			q = q.FilterJS(s)
		}
		if f.mapJS != "" {
			s, err := query.CompileScript(f.mapJS, 0)
			if err != nil {
				return nil, err
			}
			q = q.MapJS(s)
		}
		v, err := q.Get()
		if err != nil {
			return nil, err
		}
		data = v
	}
	if f.where == "" {
		return data, nil
	}
	return find(data, f.where, f.start, f.compare)
}

func find(data any, logic, start string, compare bool) (*query.Result, error) {
	var opts []query.Option
	if start != "" {
		opts = append(opts, query.WithStartPoint(start))
	}
	if compare {
		opts = append(opts, query.WithComparison())
	}
	return query.Find(data, logic, opts...)
}

// emit prints v, or saves it and prints the reference when it is too big.
func (a *app) emit(endpoint string, v any, force bool) error {
	store, err := a.results()
	if err != nil {
		return err
	}
	var saved *results.Saved
	if force {
		saved, err = store.Save(endpoint, v)
	} else {
		saved, err = store.MaybeSave(endpoint, v)
	}
	if err != nil {
		return err
	}
	if saved != nil {
		return a.printJSON(saved)
	}
	return a.printJSON(v)
}

func newFindCommand(a *app) *cobra.Command {
	var (
		start   string
		compare bool
	)
	cmd := &cobra.Command{
		Use:   "find LOGIC [REF|-]",
		Short: "Search saved or piped JSON with a logic string",
		Long: `Search JSON for objects matching LOGIC. REF is a result:// reference,
a saved result id or a file path. Without REF, or with "-", JSON is read
from standard input.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data any
				err  error
			)
			if len(args) == 1 || args[1] == "-" {
				data, err = decodeJSON(a.in)
			} else {
				store, serr := a.results()
				if serr != nil {
					return serr
				}
				data, err = store.Open(args[1])
			}
			if err != nil {
				return err
			}
			res, err := find(data, args[0], start, compare)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "path to search under")
	cmd.Flags().BoolVar(&compare, "compare", false, "add a census of the matches")
	return cmd
}

func decodeJSON(r io.Reader) (any, error) {
	var v any
	if err := json.NewDecoder(bufio.NewReader(r)).Decode(&v); err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	return v, nil
}

func newLoginCommand(a *app) *cobra.Command {
	var (
		user, password, token string
		lifetime              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain and store an API token",
		Long: `Obtain an API token and store it for later calls. With --token the given
token is stored as is. Otherwise the credentials are posted to the token
endpoint, falling back to the configured interactive login.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			if token != "" {
				if err := c.SetToken(ctx, token, lifetime); err != nil {
					return err
				}
			} else {
				creds := auth.Credentials{Username: user, Password: password}
				if creds.Empty() && !a.noInput {
					if creds, err = prompt.New(a.in, a.errOut).Credentials(ctx); err != nil {
						return err
					}
				}
				if err := c.Authenticate(ctx, creds); err != nil {
					return err
				}
			}
			s := c.Session()
			a.printf("Logged in to %s, token valid until %s\n", c.Name(), s.Expiry.Local().Format(time.RFC1123))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&user, "user", envOr("BARD_USERNAME", ""), "login user")
	flags.StringVar(&password, "password", envOr("BARD_PASSWORD", ""), "login password")
	flags.StringVar(&token, "token", "", "store this token instead of logging in")
	flags.DurationVar(&lifetime, "lifetime", 0, "token lifetime (default from config)")
	return cmd
}

func newDocsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "docs [TEXT...]",
		Short: "Print the documentation link for an endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			link, err := c.DocLink(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			a.printf("%s\n", link)
			return nil
		},
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit int
		prune time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or prune the request log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			if prune > 0 {
				n, err := c.PruneHistory(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				a.printf("Removed %d entries\n", n)
				return nil
			}
			entries, err := c.History(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tSTATUS\tRESULTS\tDURATION\tURL")
			for _, e := range entries {
				status := fmt.Sprint(e.Status)
				if e.Error != "" {
					status += " !"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					e.ExecutedAt.Local().Format(time.DateTime), status, e.Results, e.Duration.Round(time.Millisecond), e.URL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete entries older than this instead of listing")
	return cmd
}

func newDensityCommand(a *app) *cobra.Command {
	var (
		boxes     []string
		period    int
		step      string
		noOverlap bool
	)
	cmd := &cobra.Command{
		Use:   "density TEXT... [key=value...]",
		Short: "Count results per bounding box and time window",
		Long: `Run the endpoint once per --box and, when --period or --step is given,
once per time window between the endpoint's "after" and "before" date
parameters. Prints total_results for each pair.`,
		Example: `  bard density observations d1=2024-01-01 d2=2024-12-31 --step 1mo \
    --box -75,4,-74,5 --box -76,3,-75,4`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(boxes) == 0 {
				return errors.New("at least one --box is required")
			}
			parsed := make([]fanout.Box, len(boxes))
			for i, b := range boxes {
				box, err := parseBox(b)
				if err != nil {
					return err
				}
				parsed[i] = box
			}
			text, values, err := splitCall(args)
			if err != nil {
				return err
			}
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			base, err := c.Parameters(ctx, text)
			if err != nil {
				return err
			}
			if err := base.Update(ctx, values); err != nil {
				return err
			}

			var windows []fanout.Window
			if period > 0 || step != "" {
				s, err := parseStep(step)
				if err != nil {
					return err
				}
				if windows, err = fanout.Windows(base, fanout.Options{Period: period, Step: s, NoOverlap: noOverlap}); err != nil {
					return err
				}
			}
			grid, err := c.Density(ctx, base, parsed, windows)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "WINDOW\tBOX\tTOTAL")
			for w, row := range grid {
				label := "-"
				if w < len(windows) {
					label = windowLabel(windows[w])
				}
				for b, resp := range row {
					total := "-"
					if resp != nil && resp.TotalResults != nil {
						total = fmt.Sprint(*resp.TotalResults)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", label, boxes[b], total)
				}
			}
			return tw.Flush()
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&boxes, "box", nil, "swlng,swlat,nelng,nelat (repeatable)")
	flags.IntVar(&period, "period", 0, "split the date range into this many windows")
	flags.StringVar(&step, "step", "", "split the date range by a calendar step such as 1mo or 2w")
	flags.BoolVar(&noOverlap, "no-overlap", false, "keep consecutive windows from sharing an instant")
	return cmd
}

func windowLabel(w fanout.Window) string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprint(w[k])
	}
	return strings.Join(parts, "..")
}

func newResultsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "results",
		Short: "List saved results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.results()
			if err != nil {
				return err
			}
			list, err := store.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintf(a.errOut, "No saved results in %s\n", store.Dir())
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "URI\tENDPOINT\tCREATED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.URI, s.Endpoint, s.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}
