// Package config loads nbval settings from an optional YAML file and the
// environment, and builds the executor and kernel launcher they describe.
//
// Loading runs in three steps:
//
//  1. Defaults, then the YAML file decoded strictly (unknown keys fail)
//  2. NBVAL_* environment overrides
//  3. Validation against the embedded CUE schema (schema.cue)
//
// Durations in YAML and the environment use time.ParseDuration syntax
// ("30s", "500ms").
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/pgbarletta/nbval/internal/compare"
	"github.com/pgbarletta/nbval/internal/engine"
	"github.com/pgbarletta/nbval/internal/harness"
	"github.com/pgbarletta/nbval/internal/kernel"
	"github.com/pgbarletta/nbval/internal/sanitize"
)

//go:embed schema.cue
var schemaSource string

// Transport names.
const (
	TransportLocal   = "local"
	TransportGateway = "gateway"
)

// Environment variables read by Load.
const (
	EnvTransport    = "NBVAL_TRANSPORT"
	EnvGatewayURL   = "NBVAL_GATEWAY_URL"
	EnvGatewayToken = "NBVAL_GATEWAY_TOKEN"
	EnvReplyTimeout = "NBVAL_REPLY_TIMEOUT"
	EnvIOPubTimeout = "NBVAL_IOPUB_TIMEOUT"
	EnvStrictCount  = "NBVAL_STRICT_COUNT"
)

// GatewayStartupCode enables inline plotting on kernels started through a
// Jupyter server, where the kernel command line is not ours to set.
const GatewayStartupCode = "%matplotlib inline"

// Config is the full nbval configuration.
type Config struct {
	Transport   string   `yaml:"transport" json:"transport"`
	Kernel      Kernel   `yaml:"kernel" json:"kernel"`
	Gateway     Gateway  `yaml:"gateway" json:"gateway"`
	Timeouts    Timeouts `yaml:"timeouts" json:"timeouts"`
	Ignore      []string `yaml:"ignore" json:"ignore"`
	StrictCount bool     `yaml:"strict_count" json:"strict_count"`
	Sanitize    []Rule   `yaml:"sanitize" json:"sanitize"`
}

// Kernel selects the kernel to start.
type Kernel struct {
	// Argv is the local kernel command line. "{connection_file}" is
	// replaced by the generated connection file path.
	Argv []string `yaml:"argv" json:"argv"`

	// Name is the kernelspec name (gateway) or the connection file
	// kernel_name (local).
	Name string `yaml:"name" json:"name"`
}

// Gateway locates a Jupyter server.
type Gateway struct {
	URL   string `yaml:"url" json:"url"`
	Token string `yaml:"token" json:"token"`
}

// Timeouts bound the waits of a check.
type Timeouts struct {
	Reply   time.Duration `yaml:"reply" json:"reply"`
	IOPub   time.Duration `yaml:"iopub" json:"iopub"`
	Startup time.Duration `yaml:"startup" json:"startup"`
}

// Rule is an extra sanitize rule applied after the built-in ones.
type Rule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Replace string `yaml:"replace" json:"replace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Transport: TransportLocal,
		Kernel: Kernel{
			Argv: append([]string(nil), kernel.DefaultArgv...),
			Name: "python3",
		},
		Timeouts: Timeouts{
			Reply:   engine.DefaultReplyTimeout,
			IOPub:   engine.DefaultIOPubTimeout,
			Startup: kernel.DefaultStartupTimeout,
		},
		Ignore:   append([]string(nil), compare.DefaultIgnore...),
		Sanitize: []Rule{},
	}
}

// Error codes.
const (
	ErrCodeRead     = "C001" // config file unreadable
	ErrCodeParse    = "C002" // YAML malformed or unknown key
	ErrCodeEnv      = "C003" // bad environment override
	ErrCodeSchema   = "C004" // schema validation failed
	ErrCodeSanitize = "C005" // sanitize pattern does not compile
)

// Error is a configuration error.
type Error struct {
	Code    string
	Source  string // file path or environment variable
	Message string
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Source, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Code: ErrCodeRead, Source: path, Message: err.Error()}
		}
		if err := cfg.decode(data); err != nil {
			return nil, &Error{Code: ErrCodeParse, Source: path, Message: err.Error()}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTransport); ok {
		c.Transport = v
	}
	if v, ok := lookup(EnvGatewayURL); ok {
		c.Gateway.URL = v
	}
	if v, ok := lookup(EnvGatewayToken); ok {
		c.Gateway.Token = v
	}
	for name, dst := range map[string]*time.Duration{
		EnvReplyTimeout: &c.Timeouts.Reply,
		EnvIOPubTimeout: &c.Timeouts.IOPub,
	} {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &Error{Code: ErrCodeEnv, Source: name, Message: err.Error()}
		}
		*dst = d
	}
	if v, ok := lookup(EnvStrictCount); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &Error{Code: ErrCodeEnv, Source: EnvStrictCount, Message: err.Error()}
		}
		c.StrictCount = b
	}
	return nil
}

// Validate checks c against the embedded schema and compiles its sanitize
// rules.
func (c *Config) Validate() error {
	// The schema wants lists, not null.
	if c.Ignore == nil {
		c.Ignore = []string{}
	}
	if c.Sanitize == nil {
		c.Sanitize = []Rule{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return &Error{Code: ErrCodeSchema, Message: fmt.Sprintf("loading schema: %v", err)}
	}

	value := schema.Unify(ctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return &Error{Code: ErrCodeSchema, Message: schemaMessage(err)}
	}

	if _, err := c.rules(); err != nil {
		return &Error{Code: ErrCodeSanitize, Message: err.Error()}
	}
	return nil
}

// schemaMessage flattens a CUE error list into one line.
func schemaMessage(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (c *Config) rules() ([]sanitize.Rule, error) {
	rules := make([]sanitize.Rule, 0, len(c.Sanitize))
	for _, r := range c.Sanitize {
		rule, err := sanitize.NewRule(r.Pattern, r.Replace)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Comparator builds the output comparator.
func (c *Config) Comparator() (*compare.Comparator, error) {
	rules, err := c.rules()
	if err != nil {
		return nil, err
	}
	return compare.New(
		compare.WithIgnore(c.Ignore...),
		compare.WithSanitizer(sanitize.Default().WithRules(rules...)),
	), nil
}

// Executor builds the cell executor.
func (c *Config) Executor(logger *slog.Logger) (*engine.Executor, error) {
	cmp, err := c.Comparator()
	if err != nil {
		return nil, err
	}
	return engine.New(
		engine.WithReplyTimeout(c.Timeouts.Reply),
		engine.WithIOPubTimeout(c.Timeouts.IOPub),
		engine.WithComparator(cmp),
		engine.WithStrictCount(c.StrictCount),
		engine.WithLogger(logger),
	), nil
}

// Launcher builds the kernel launcher for the configured transport. Each
// launch starts a fresh kernel.
func (c *Config) Launcher(logger *slog.Logger) (harness.Launcher, error) {
	opts := []kernel.ClientOption{
		kernel.WithLogger(logger),
		kernel.WithStartupTimeout(c.Timeouts.Startup),
	}

	switch c.Transport {
	case TransportLocal:
		local := kernel.LocalConfig{
			Argv:           c.Kernel.Argv,
			KernelName:     c.Kernel.Name,
			StartupTimeout: c.Timeouts.Startup,
			Logger:         logger,
		}
		return harness.ClientLauncher(func() (kernel.Conn, error) {
			return kernel.NewLocalConn(local), nil
		}, opts...), nil

	case TransportGateway:
		gw := kernel.GatewayConfig{
			URL:        c.Gateway.URL,
			Token:      c.Gateway.Token,
			KernelName: c.Kernel.Name,
			Logger:     logger,
		}
		// Fail here rather than on first launch.
		if _, err := kernel.NewGatewayConn(gw); err != nil {
			return nil, err
		}
		opts = append(opts, kernel.WithStartupCode(GatewayStartupCode))
		return harness.ClientLauncher(func() (kernel.Conn, error) {
			return kernel.NewGatewayConn(gw)
		}, opts...), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}
