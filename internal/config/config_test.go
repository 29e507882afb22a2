package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
spool:
  root: /var/spool/spoold
printers:
  - name: lp
    device: 10.0.0.5%9100
    filters:
      f: /usr/libexec/textfilter
      "*": /usr/libexec/anyfilter
  - name: remote
    remote: lp@printhost
    control_first: false
    max_retries: -1
  - name: pool
    servers: [lp, remote]
    routes:
      - name: lp
        copies: 2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spoold.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":515", cfg.Server.Listen)
	assert.Equal(t, []string{"lp", "remote", "pool"}, cfg.PrinterNames())

	dir, p, err := cfg.SetupPrinter("lp")
	require.NoError(t, err)
	assert.Equal(t, "/var/spool/spoold/lp", dir)
	assert.Equal(t, "/usr/libexec/textfilter", p.Filter('f'))
	assert.Equal(t, "/usr/libexec/anyfilter", p.Filter('l'))
	assert.True(t, p.SendControlFirst())
	assert.Equal(t, 3, p.RetryLimit(cfg.Queue))

	remote, _ := cfg.Printer("remote")
	queue, addr, err := remote.RemoteQueue()
	require.NoError(t, err)
	assert.Equal(t, "lp", queue)
	assert.Equal(t, "printhost:515", addr)
	assert.False(t, remote.SendControlFirst())
	assert.Zero(t, remote.RetryLimit(cfg.Queue))

	pool, _ := cfg.Printer("pool")
	assert.True(t, pool.IsLoadBalanced())

	_, _, err = cfg.SetupPrinter("missing")
	assert.Error(t, err)
	_, _, err = cfg.SetupPrinter("../etc")
	assert.Error(t, err)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SPOOLD_LISTEN", ":1515")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":1515", cfg.Server.Listen)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"bad name":          "printers: [{name: '../x'}]",
		"duplicate":         "printers: [{name: lp}, {name: lp}]",
		"device and remote": "printers: [{name: lp, device: /dev/lp0, remote: lp@h}]",
		"bad remote":        "printers: [{name: lp, remote: nohost}]",
		"unknown server":    "printers: [{name: lp, servers: [ghost]}]",
		"bad action":        "printers: [{name: lp, exhausted_action: explode}]",
		"auth without user": "printers: [{name: lp, remote: a@b, auth: hmac}]",
		"bad log level":     "logging: {level: loud}",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, content))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseRemote(t *testing.T) {
	q, addr, err := ParseRemote("raw@10.1.1.1:1515")
	require.NoError(t, err)
	assert.Equal(t, "raw", q)
	assert.Equal(t, "10.1.1.1:1515", addr)

	_, _, err = ParseRemote("@host")
	assert.Error(t, err)
}
