package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		return Config{Host: "db.internal", Port: 22, User: "deploy", Password: "secret", KnownHostsPath: "/etc/ssh/known_hosts"}
	}

	tests := []struct {
		name     string
		modify   func(*Config)
		errorMsg string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "missing host", modify: func(c *Config) { c.Host = "" }, errorMsg: "host is required"},
		{name: "invalid port", modify: func(c *Config) { c.Port = 70000 }, errorMsg: "invalid port"},
		{name: "missing user", modify: func(c *Config) { c.User = "" }, errorMsg: "user is required"},
		{name: "no credentials", modify: func(c *Config) { c.Password = "" }, errorMsg: "a password or a private key is required"},
		{name: "no known hosts", modify: func(c *Config) { c.KnownHostsPath = "" }, errorMsg: "known_hosts"},
		{name: "insecure without known hosts", modify: func(c *Config) {
			c.KnownHostsPath = ""
			c.InsecureIgnoreHostKey = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errorMsg)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := Config{Host: "::1", User: "deploy", Password: "secret"}.withDefaults()
	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, DefaultConnectionTimeout, cfg.ConnectionTimeout)
	assert.Equal(t, "[::1]:22", cfg.Address())
	assert.Equal(t, "deploy@[::1]:22", cfg.key())
	assert.NotEmpty(t, cfg.KnownHostsPath)
	require.NoError(t, cfg.Validate())
}

func TestBuildSSHClientConfigMissingKey(t *testing.T) {
	cfg := Config{Host: "h", Port: 22, User: "u", PrivateKeyPath: "/nonexistent/id_ed25519", InsecureIgnoreHostKey: true}
	_, err := cfg.BuildSSHClientConfig()
	assert.ErrorContains(t, err, "failed to read private key")
}

func TestCommandLine(t *testing.T) {
	got := commandLine([]string{"sh", "-c", "echo it's"}, map[string]string{"B": "2", "A": "o'k"})
	assert.Equal(t, `A='o'\''k' B='2' 'sh' '-c' 'echo it'\''s'`, got)
}
