// Package nbtest checks notebooks from go test.
//
// Each code cell becomes a subtest named "cell N: description":
//
//	func TestAnalysisNotebook(t *testing.T) {
//		nbtest.Run(t, "testdata/analysis.ipynb")
//	}
//
// The kernel session is started once for the notebook and stopped by
// t.Cleanup after the last cell.
//
// Settings come from nbval.yaml (WithConfigFile) and NBVAL_* environment
// variables, then from the With* options below, which take only standard
// types. WithConfig and WithLauncher take types from this module's internal
// packages and can only be called from inside the module.
package nbtest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pgbarletta/nbval/internal/config"
	"github.com/pgbarletta/nbval/internal/harness"
	"github.com/pgbarletta/nbval/internal/notebook"
)

type options struct {
	configPath string
	cfg        *config.Config
	launcher   harness.Launcher
	logger     *slog.Logger
	overrides  []func(*config.Config)
}

// Option configures Run.
type Option func(*options)

// WithConfigFile loads settings from an nbval.yaml file.
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithConfig uses cfg, skipping file and environment loading. Internal to
// the module.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLauncher replaces the kernel launcher built from the config. Internal
// to the module.
func WithLauncher(l harness.Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// WithStrictCount fails cells whose output count differs from the stored
// one.
func WithStrictCount(strict bool) Option {
	return override(func(c *config.Config) { c.StrictCount = strict })
}

// WithTimeouts sets the execute_reply and iopub timeouts. A zero duration
// keeps the configured value.
func WithTimeouts(reply, iopub time.Duration) Option {
	return override(func(c *config.Config) {
		if reply > 0 {
			c.Timeouts.Reply = reply
		}
		if iopub > 0 {
			c.Timeouts.IOPub = iopub
		}
	})
}

// WithKernelArgv runs a local kernel with argv. "{connection_file}" is
// replaced by the connection file path.
func WithKernelArgv(argv ...string) Option {
	return override(func(c *config.Config) {
		c.Transport = config.TransportLocal
		c.Kernel.Argv = argv
	})
}

// WithGateway runs the kernel on a Jupyter server.
func WithGateway(url, token string) Option {
	return override(func(c *config.Config) {
		c.Transport = config.TransportGateway
		c.Gateway.URL = url
		c.Gateway.Token = token
	})
}

// WithIgnore adds output keys that are never compared.
func WithIgnore(keys ...string) Option {
	return override(func(c *config.Config) {
		c.Ignore = append(c.Ignore, keys...)
	})
}

func override(fn func(*config.Config)) Option {
	return func(o *options) {
		o.overrides = append(o.overrides, fn)
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Run checks the notebook at path, one subtest per code cell.
func Run(t *testing.T, path string, opts ...Option) {
	t.Helper()

	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := o.config()
	if err != nil {
		t.Fatalf("nbtest: %v", err)
	}

	nb, err := notebook.Load(path)
	if err != nil {
		t.Fatalf("nbtest: %v", err)
	}

	executor, err := cfg.Executor(o.logger)
	if err != nil {
		t.Fatalf("nbtest: %v", err)
	}
	launcher := o.launcher
	if launcher == nil {
		if launcher, err = cfg.Launcher(o.logger); err != nil {
			t.Fatalf("nbtest: %v", err)
		}
	}

	suite := harness.NewSuite(nb, launcher,
		harness.WithExecutor(executor),
		harness.WithLogger(o.logger),
	)

	ctx := context.Background()
	if err := suite.Setup(ctx); err != nil {
		t.Fatalf("nbtest: %v", err)
	}
	t.Cleanup(func() {
		if err := suite.Teardown(ctx); err != nil {
			t.Errorf("nbtest: %v", err)
		}
	})

	for _, item := range suite.Collect() {
		t.Run(item.Name(), func(t *testing.T) {
			if res := item.Execute(ctx); res.Outcome != harness.OutcomePass {
				t.Error(res.Failure)
			}
		})
	}
}

// config loads or copies the configuration and applies the overrides.
func (o *options) config() (*config.Config, error) {
	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		cfg.Ignore = append([]string(nil), o.cfg.Ignore...)
	} else {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if len(o.overrides) == 0 {
		return &cfg, nil
	}
	for _, fn := range o.overrides {
		fn(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
