package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiConfig = `
pipeline: api
stages: [request-id, access-log, auth, validate-body, handler]
auth:
  tokens:
    abc: USER-123
requests:
  - ip: 1.2.3.4
    body: {data: 1}
  - ip: 1.2.3.4
    token: abc
    body: {data: 1}
  - token: abc
    body: {}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunCommand(t *testing.T) {
	t.Run("Reports Each Request", func(t *testing.T) {
		path := writeConfig(t, apiConfig)

		out, _, err := execute(t, "run", "--config", path)
		require.NoError(t, err)

		assert.Contains(t, out, "pipeline api: request-id -> access-log -> auth -> validate-body -> handler")
		assert.Contains(t, out, `request 0: failed at auth`)
		assert.Contains(t, out, `Unauthorized`)
		assert.Contains(t, out, `request 1: short-circuited at handler (5/5 stages) user=USER-123 response="processed 1 for USER-123"`)
		assert.Contains(t, out, `request 2: failed at validate-body`)
		assert.Contains(t, out, "kind=stage")
	})

	t.Run("Misuse Exits Non Zero", func(t *testing.T) {
		path := writeConfig(t, `
stages: [double-next, auth, handler]
auth:
  tokens: {abc: USER-123}
requests:
  - token: abc
    body: {data: 1}
`)

		out, stderr, err := execute(t, "run", "--config", path)
		require.ErrorIs(t, err, errMisuse)
		assert.Contains(t, out, "request 0: misuse at double-next")
		assert.Contains(t, out, "kind=duplicate-next")
		assert.Contains(t, stderr, "stage called next more than once")
	})

	t.Run("JWT Subjects", func(t *testing.T) {
		path := writeConfig(t, `
stages: [auth, validate-body, handler]
auth:
  jwt_secret: test-secret
requests:
  - subject: USER-456
    body: {data: x}
  - token: not-a-jwt
    body: {data: x}
`)

		out, _, err := execute(t, "run", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "request 0: short-circuited at handler (3/3 stages) user=USER-456")
		assert.Contains(t, out, "request 1: failed at auth")
	})

	t.Run("Rate Limit Drop", func(t *testing.T) {
		path := writeConfig(t, `
stages: [rate-limit, handler]
rate_limit: {rate: 0.001, burst: 1, mode: drop}
requests:
  - body: {data: 1}
  - body: {data: 2}
`)

		out, _, err := execute(t, "run", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "request 0: short-circuited at handler")
		assert.Contains(t, out, "request 1: failed at rate-limit")
		assert.Contains(t, out, "rate limit exceeded")
	})

	t.Run("Debug Logging", func(t *testing.T) {
		path := writeConfig(t, apiConfig)

		_, stderr, err := execute(t, "run", "--config", path, "--log-level", "debug")
		require.NoError(t, err)
		assert.Contains(t, stderr, "dispatch short-circuited")
		assert.Contains(t, stderr, "stage failed")
		assert.Contains(t, stderr, "request served")
	})

	t.Run("Invalid Log Level", func(t *testing.T) {
		path := writeConfig(t, apiConfig)
		_, _, err := execute(t, "run", "--config", path, "--log-level", "loud")
		require.Error(t, err)
	})

	t.Run("Missing Config", func(t *testing.T) {
		_, _, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorContains(t, err, "failed to read config")
	})
}

func TestStagesCommand(t *testing.T) {
	out, _, err := execute(t, "stages")
	require.NoError(t, err)

	for _, name := range catalogueNames() {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "faulty stage that calls next twice")
}

func TestParseConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := parseConfig([]byte("stages: [handler]\n"))
		require.NoError(t, err)
		assert.Equal(t, "api", cfg.Pipeline)
		assert.Equal(t, 5*time.Second, cfg.Timeout)
		assert.Equal(t, "wait", cfg.RateLimit.Mode)
	})

	t.Run("Durations", func(t *testing.T) {
		cfg, err := parseConfig([]byte("stages: [deadline, handler]\ntimeout: 250ms\n"))
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	})

	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"No Stages", "pipeline: api\n", "at least one stage"},
		{"Unknown Stage", "stages: [teleport]\n", `unknown stage "teleport"`},
		{"Bad Mode", "stages: [rate-limit]\nrate_limit: {mode: sometimes}\n", "invalid rate limit mode"},
		{"Subject Without Secret", "stages: [auth]\nrequests:\n  - subject: u\n", "no jwt_secret"},
		{"Malformed", "stages: [\n", "failed to parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig([]byte(tt.config))
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}
