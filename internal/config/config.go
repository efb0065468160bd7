// Package config reads the YAML file that names the API instances bard can
// talk to, and overlays BARD_* environment variables on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golovatskygroup/bard/internal/httpcache"
)

var ErrUnknownInstance = errors.New("unknown instance")

// Login modes.
const (
	LoginNone   = "none"
	LoginPaste  = "paste"
	LoginForm   = "form"
	LoginChain  = "chain"
	defaultName = "minka"
)

// Login configures the interactive fallback used when posting credentials
// to the token endpoint fails.
type Login struct {
	Mode         string        `yaml:"mode"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Instance is everything needed to talk to one API server.
type Instance struct {
	APIURL           string           `yaml:"api_url"`
	DocURL           string           `yaml:"doc_url"`
	Verbosity        int              `yaml:"verbosity"`
	StrictMatching   bool             `yaml:"strict_matching"`
	TokenLifetime    time.Duration    `yaml:"token_lifetime"`
	AuthEndpoint     string           `yaml:"auth_endpoint"`
	SpecCache        string           `yaml:"spec_cache"`
	SpecCacheTTL     time.Duration    `yaml:"spec_cache_ttl"`
	StrictValidation bool             `yaml:"strict_validation"`
	TokenFile        string           `yaml:"token_file"`
	SessionDB        string           `yaml:"session_db"`
	HistoryDB        string           `yaml:"history_db"`
	RequestTimeout   time.Duration    `yaml:"request_timeout"`
	Workers          int              `yaml:"workers"`
	RateLimit        float64          `yaml:"rate_limit"`
	RateBurst        int              `yaml:"rate_burst"`
	ResultsDir       string           `yaml:"results_dir"`
	InlineMaxBytes   int              `yaml:"inline_max_bytes"`
	ValidateParams   bool             `yaml:"validate_params"`
	Login            Login            `yaml:"login"`
	HTTPCache        httpcache.Config `yaml:"http_cache"`
}

// DefaultInstance has every field but the URLs filled in.
func DefaultInstance() Instance {
	return Instance{
		Verbosity:      1,
		StrictMatching: true,
		TokenLifetime:  24 * time.Hour,
		SpecCache:      "spec.json",
		SpecCacheTTL:   7 * 24 * time.Hour,
		TokenFile:      "auth_token.json",
		RequestTimeout: 30 * time.Second,
		Workers:        8,
		RateBurst:      1,
		ResultsDir:     "results",
		InlineMaxBytes: 1 << 20,
		Login:          Login{Mode: LoginChain, Timeout: 60 * time.Second, PollInterval: 500 * time.Millisecond},
		HTTPCache:      httpcache.DefaultConfig(),
	}
}

// UnmarshalYAML decodes on top of DefaultInstance, so omitted keys keep
// their defaults.
func (i *Instance) UnmarshalYAML(n *yaml.Node) error {
	type plain Instance
	p := plain(DefaultInstance())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*i = Instance(p)
	return nil
}

// Config is the whole file.
type Config struct {
	DefaultInstance string              `yaml:"default_instance"`
	Instances       map[string]Instance `yaml:"instances"`
}

// DefaultPath is $BARD_CONFIG, or config.yaml under the user config dir.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("BARD_CONFIG")); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "bard.yaml"
	}
	return filepath.Join(dir, "bard", "config.yaml")
}

// Load reads path. A missing file is not an error: the built-in presets
// are used instead.
func Load(path string) (*Config, error) {
	cfg := &Config{Instances: map[string]Instance{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Instances == nil {
		cfg.Instances = map[string]Instance{}
	}
	return cfg, nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Names lists configured instances and presets, sorted.
func (c *Config) Names() []string {
	seen := map[string]bool{}
	for name := range c.Instances {
		seen[name] = true
	}
	for name := range presets {
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Instance picks an instance by name, falling back to $BARD_INSTANCE, the
// file's default_instance and finally "minka". Configured instances shadow
// presets of the same name. The environment is applied to the result.
func (c *Config) Instance(name string) (string, Instance, error) {
	if name == "" {
		name = strings.TrimSpace(os.Getenv("BARD_INSTANCE"))
	}
	if name == "" {
		name = c.DefaultInstance
	}
	if name == "" {
		name = defaultName
	}
	inst, ok := c.Instances[name]
	if !ok {
		inst, ok = Preset(name)
	}
	if !ok {
		return "", Instance{}, fmt.Errorf("%w: %s (known: %s)", ErrUnknownInstance, name, strings.Join(c.Names(), ", "))
	}
	inst = inst.ApplyEnv()
	if strings.TrimSpace(inst.APIURL) == "" {
		return "", Instance{}, fmt.Errorf("instance %s: api_url is required", name)
	}
	return name, inst, nil
}

// ApplyEnv overlays the BARD_* variables. Unparseable numbers and
// durations are ignored.
func (i Instance) ApplyEnv() Instance {
	if v := env("BARD_API_URL"); v != "" {
		i.APIURL = v
	}
	if v := env("BARD_DOC_URL"); v != "" {
		i.DocURL = v
	}
	if v := env("BARD_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			i.Verbosity = n
		}
	}
	if v := env("BARD_STRICT_MATCHING"); v != "" {
		i.StrictMatching = truthy(v)
	}
	if v := env("BARD_TOKEN_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			i.TokenLifetime = d
		}
	}
	if v := env("BARD_AUTH_ENDPOINT"); v != "" {
		i.AuthEndpoint = v
	}
	if v := env("BARD_SPEC_CACHE"); v != "" {
		i.SpecCache = v
	}
	if v := env("BARD_TOKEN_FILE"); v != "" {
		i.TokenFile = v
	}
	if v := env("BARD_SESSION_DB"); v != "" {
		i.SessionDB = v
	}
	if v := env("BARD_HISTORY_DB"); v != "" {
		i.HistoryDB = v
	}
	if v := env("BARD_RESULTS_DIR"); v != "" {
		i.ResultsDir = v
	}
	if v := env("BARD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			i.Workers = n
		}
	}
	if v := env("BARD_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			i.RateLimit = f
		}
	}
	i.HTTPCache = i.HTTPCache.ApplyEnv()
	return i
}

// InDir returns a copy whose relative file paths are anchored at dir.
func (i Instance) InDir(dir string) Instance {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	i.SpecCache = anchor(i.SpecCache)
	i.TokenFile = anchor(i.TokenFile)
	i.SessionDB = anchor(i.SessionDB)
	i.ResultsDir = anchor(i.ResultsDir)
	if !strings.Contains(i.HistoryDB, "://") {
		i.HistoryDB = anchor(i.HistoryDB)
	}
	return i
}

// StateDir is where an instance keeps its cache and token files:
// $XDG_CACHE_HOME/bard/<name> or the platform equivalent.
func StateDir(name string) string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "bard", name)
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func truthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
}
