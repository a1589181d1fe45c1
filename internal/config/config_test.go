package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbarletta/nbval/internal/compare"
	"github.com/pgbarletta/nbval/internal/engine"
	"github.com/pgbarletta/nbval/internal/kernel"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr), "want *config.Error, got %T: %v", err, err)
	assert.Equal(t, code, cfgErr.Code)
	return cfgErr
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportLocal, cfg.Transport)
	assert.Equal(t, kernel.DefaultArgv, cfg.Kernel.Argv)
	assert.Equal(t, engine.DefaultReplyTimeout, cfg.Timeouts.Reply)
	assert.Equal(t, engine.DefaultIOPubTimeout, cfg.Timeouts.IOPub)
	assert.Equal(t, compare.DefaultIgnore, cfg.Ignore)
	assert.False(t, cfg.StrictCount)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load("testdata/gateway.yaml")
	require.NoError(t, err)

	want := Default()
	want.Transport = TransportGateway
	want.Gateway = Gateway{URL: "http://127.0.0.1:8888", Token: "s3cret"}
	want.Timeouts.Reply = 45 * time.Second
	want.Timeouts.IOPub = 2 * time.Second
	want.Ignore = []string{"traceback", "execution_count"}
	want.StrictCount = true
	want.Sanitize = []Rule{{Pattern: "at 0x[0-9a-f]+", Replace: "at ADDR"}}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load("testdata/typo.yaml")
	cfgErr := requireCode(t, err, ErrCodeParse)
	assert.Equal(t, "testdata/typo.yaml", cfgErr.Source)
	assert.Contains(t, cfgErr.Message, "timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	requireCode(t, err, ErrCodeRead)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nbval.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvTransport, "gateway")
	t.Setenv(EnvGatewayURL, "https://hub.example.org/user/me")
	t.Setenv(EnvGatewayToken, "tok")
	t.Setenv(EnvReplyTimeout, "90s")
	t.Setenv(EnvIOPubTimeout, "250ms")
	t.Setenv(EnvStrictCount, "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportGateway, cfg.Transport)
	assert.Equal(t, "https://hub.example.org/user/me", cfg.Gateway.URL)
	assert.Equal(t, "tok", cfg.Gateway.Token)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Reply)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeouts.IOPub)
	assert.True(t, cfg.StrictCount)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv(EnvReplyTimeout, "5s")

	cfg, err := Load("testdata/gateway.yaml")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Reply)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.IOPub, "file value kept")
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv(EnvIOPubTimeout, "soon")

	_, err := Load("")
	cfgErr := requireCode(t, err, ErrCodeEnv)
	assert.Equal(t, EnvIOPubTimeout, cfgErr.Source)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown transport", "transport: carrier-pigeon\n"},
		{"empty argv", "kernel:\n  argv: []\n"},
		{"zero reply timeout", "timeouts:\n  reply: 0s\n"},
		{"negative iopub timeout", "timeouts:\n  iopub: -1s\n"},
		{"gateway without url", "transport: gateway\n"},
		{"gateway with ws url", "transport: gateway\ngateway:\n  url: ws://localhost:8888\n"},
		{"empty sanitize pattern", "sanitize:\n  - pattern: ''\n    replace: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			requireCode(t, err, ErrCodeSchema)
		})
	}
}

func TestParse_BadSanitizePattern(t *testing.T) {
	_, err := Parse([]byte("sanitize:\n  - pattern: '(unclosed'\n    replace: x\n"))
	cfgErr := requireCode(t, err, ErrCodeSanitize)
	assert.Contains(t, cfgErr.Message, "(unclosed")
}

func TestError_Format(t *testing.T) {
	assert.Equal(t, "[C003] NBVAL_REPLY_TIMEOUT: bad", (&Error{Code: ErrCodeEnv, Source: EnvReplyTimeout, Message: "bad"}).Error())
	assert.Equal(t, "[C004] bad", (&Error{Code: ErrCodeSchema, Message: "bad"}).Error())
}

func TestComparator_UsesConfig(t *testing.T) {
	cfg, err := Parse([]byte("ignore: [text]\nsanitize:\n  - pattern: 'run [0-9]+'\n    replace: 'run N'\n"))
	require.NoError(t, err)

	comparator, err := cfg.Comparator()
	require.NoError(t, err)

	assert.True(t, comparator.Ignored("text"))
	assert.False(t, comparator.Ignored("traceback"), "ignore list replaces the default")

	ok, _ := comparator.Compare(
		map[string]any{"name": "run 12"},
		map[string]any{"name": "run 7"},
	)
	assert.True(t, ok)
}

func TestExecutor_Builds(t *testing.T) {
	executor, err := Default().Executor(discard())
	require.NoError(t, err)
	assert.NotNil(t, executor)
}

func TestLauncher_Local(t *testing.T) {
	cfg := Default()
	cfg.Kernel.Argv = []string{"/nonexistent/nbval-kernel", "-f", kernel.ConnectionFilePlaceholder}
	cfg.Timeouts.Startup = time.Second

	launcher, err := cfg.Launcher(discard())
	require.NoError(t, err)

	_, err = launcher.Launch(context.Background())
	require.Error(t, err)
}

func TestLauncher_Gateway(t *testing.T) {
	cfg := Default()
	cfg.Transport = TransportGateway
	cfg.Gateway.URL = "http://127.0.0.1:1"

	launcher, err := cfg.Launcher(discard())
	require.NoError(t, err)
	assert.NotNil(t, launcher)
}

func TestLauncher_GatewayBadURL(t *testing.T) {
	cfg := Default()
	cfg.Transport = TransportGateway
	cfg.Gateway.URL = "ftp://example.org"

	_, err := cfg.Launcher(discard())
	require.Error(t, err)
}

func TestLauncher_UnknownTransport(t *testing.T) {
	cfg := Default()
	cfg.Transport = "smoke-signal"

	_, err := cfg.Launcher(discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smoke-signal")
}
