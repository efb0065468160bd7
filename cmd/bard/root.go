package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/golovatskygroup/bard/internal/config"
	"github.com/golovatskygroup/bard/internal/prompt"
	"github.com/golovatskygroup/bard/internal/results"
	"github.com/golovatskygroup/bard/pkg/bard"
)

const (
	rootUse              = "bard"
	rootShortDescription = "query biodiversity APIs described by OpenAPI"
	rootLongDescription  = `bard turns loose endpoint names such as "observations" or "taxa id"
into requests against an OpenAPI-described biodiversity API, handling
authentication and pagination, and filters the JSON that comes back.

Instances are read from the config file ($BARD_CONFIG or the user config
dir). Without one, the built-in minka and inaturalist instances are used.`
	rootExample = `  # List what the default instance offers
  bard endpoints

  # Fetch observations of two taxa and keep the research grade ones
  bard fetch observations taxon_id=1,2 per_page=50 --where 'quality_grade == research'

  # Describe an endpoint on another server
  bard --api-url https://api.inaturalist.org/v1 describe taxa`
)

// app carries the global flags and lazily opens the client.
type app struct {
	configPath string
	instance   string
	apiURL     string
	verbosity  int
	noInput    bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	client *bard.Client
}

// run executes one command line and releases whatever it opened.
func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	a := &app{in: in, out: out, errOut: errOut}
	root := newRootCommand(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           rootUse,
		Short:         rootShortDescription,
		Long:          rootLongDescription,
		Example:       rootExample,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $BARD_CONFIG or the user config dir)")
	flags.StringVarP(&a.instance, "instance", "i", "", "instance name from the config file")
	flags.StringVar(&a.apiURL, "api-url", "", "talk to this API instead of a configured instance")
	flags.IntVarP(&a.verbosity, "verbosity", "v", -1, "0 errors, 1 warnings, 2 info, 3 debug (default from config)")
	flags.BoolVar(&a.noInput, "no-input", false, "never prompt; ambiguous input and expired tokens become errors")

	root.AddCommand(
		newInstancesCommand(a),
		newEndpointsCommand(a),
		newDescribeCommand(a),
		newURLCommand(a),
		newFetchCommand(a),
		newFindCommand(a),
		newLoginCommand(a),
		newDocsCommand(a),
		newHistoryCommand(a),
		newDensityCommand(a),
		newResultsCommand(a),
	)
	return root
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	path := a.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// resolveInstance applies the global flags to the configured instance.
func (a *app) resolveInstance() (string, config.Instance, error) {
	var (
		name string
		inst config.Instance
	)
	if a.apiURL != "" {
		name = a.instance
		if name == "" {
			name = "adhoc"
		}
		inst = config.DefaultInstance().ApplyEnv()
		inst.APIURL = a.apiURL
	} else {
		cfg, err := a.config()
		if err != nil {
			return "", config.Instance{}, err
		}
		if name, inst, err = cfg.Instance(a.instance); err != nil {
			return "", config.Instance{}, err
		}
	}
	if a.verbosity >= 0 {
		inst.Verbosity = a.verbosity
	}
	return name, inst.InDir(config.StateDir(name)), nil
}

func (a *app) open(ctx context.Context) (*bard.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	name, inst, err := a.resolveInstance()
	if err != nil {
		return nil, err
	}
	opts := []bard.Option{bard.WithLogOutput(a.errOut)}
	if !a.noInput {
		opts = append(opts, bard.WithPrompter(prompt.New(a.in, a.errOut)))
	}
	c, err := bard.New(ctx, name, inst, opts...)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) results() (*results.Store, error) {
	_, inst, err := a.resolveInstance()
	if err != nil {
		return nil, err
	}
	return results.New(inst.ResultsDir, inst.InlineMaxBytes)
}

func (a *app) close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
