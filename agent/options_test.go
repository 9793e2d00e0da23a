package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/maxatome/go-testdeep/td"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	cfg, err := ParseOptions("transport=dt_socket,address=127.0.0.1:10000,loglevel=2,suspend=n,onthrow=System.Exception,onthrow")
	require.NoError(t, err)
	td.Cmp(t, cfg, td.Struct(&Config{}, td.StructFields{
		"Transport": "dt_socket",
		"Address":   "127.0.0.1:10000",
		"LogLevel":  2,
		"Suspend":   false,
		"OnThrow":   []string{"System.Exception", ""},
	}))
	assert.True(t, cfg.JitDebugging())
}

func TestParseOptionsErrors(t *testing.T) {
	for _, options := range []string{
		"transport=dt_socket,address=127.0.0.1:1,foo=bar",
		"transport=dt_socket,address=127.0.0.1:1,suspend=yes",
		"transport=dt_socket,address=127.0.0.1:1,timeout=abc",
		"transport=dt_socket",
	} {
		_, err := ParseOptions(options)
		assert.True(t, errors.Is(err, e.ErrInvalidOptions), options)
	}
	_, err := ParseOptions("transport=dt_shmem,address=127.0.0.1:1")
	assert.True(t, errors.Is(err, e.ErrUnsupportedTransport))

	cfg, err := ParseOptions("help")
	require.NoError(t, err)
	assert.True(t, cfg.Help)
}

// TestParseOptionsDefer defer=y 隐含服务端模式
func TestParseOptionsDefer(t *testing.T) {
	cfg, err := ParseOptions("transport=dt_socket,defer=y")
	require.NoError(t, err)
	assert.True(t, cfg.Server)
	assert.True(t, cfg.Defer)
	assert.NotEmpty(t, cfg.Address)

	cfg, err = ParseOptions("transport=dt_socket,server=y,suspend=n")
	require.NoError(t, err)
	assert.Empty(t, cfg.Address)
	assert.False(t, cfg.Defer)
}

// TestConfigFile 参数串中的项覆盖配置文件
func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport = "dt_socket"
address = "127.0.0.1:55555"
loglevel = 3
server = true
onthrow = ["System.InvalidOperationException"]
`), 0o644))

	cfg, err := ParseOptions("config=" + path + ",loglevel=1")
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "127.0.0.1:55555", cfg.Address)
	assert.Equal(t, 1, cfg.LogLevel)
	assert.True(t, cfg.Server)
	assert.True(t, cfg.Suspend)
	assert.Equal(t, []string{"System.InvalidOperationException"}, cfg.OnThrow)

	require.NoError(t, os.WriteFile(path, []byte("loglevel = \"x\""), 0o644))
	_, err = ParseOptions("config=" + path)
	assert.True(t, errors.Is(err, e.ErrInvalidOptions))
}
