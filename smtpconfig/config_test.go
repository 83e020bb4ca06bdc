package smtpconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/smtpmail/internal/smtptest"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

func TestDefault(t *testing.T) {
	cfg := smtpconfig.Default()

	assert.Equal(t, "localhost", cfg.Hostname)
	assert.Equal(t, 25, cfg.Port)
	assert.Equal(t, smtpconfig.StartTLSOptional, cfg.StartTLS)
	assert.Equal(t, smtpconfig.LoginNone, cfg.Login)
	assert.Equal(t, 10, cfg.MaxPoolSize)
	assert.Equal(t, 300*time.Second, cfg.IdleTimeout)
	assert.True(t, cfg.KeepAlive)
	assert.False(t, cfg.AllowRcptErrors)
	assert.NotEmpty(t, cfg.OwnHostname)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*smtpconfig.Config)
		field  string
	}{
		{"zero pool size", func(c *smtpconfig.Config) { c.MaxPoolSize = 0 }, "MaxPoolSize"},
		{"negative pool size", func(c *smtpconfig.Config) { c.MaxPoolSize = -1 }, "MaxPoolSize"},
		{"zero idle timeout", func(c *smtpconfig.Config) { c.IdleTimeout = 0 }, "IdleTimeout"},
		{"empty hostname", func(c *smtpconfig.Config) { c.Hostname = "" }, "Hostname"},
		{"port zero", func(c *smtpconfig.Config) { c.Port = 0 }, "Port"},
		{"port too large", func(c *smtpconfig.Config) { c.Port = 70000 }, "Port"},
		{"bad starttls", func(c *smtpconfig.Config) { c.StartTLS = "maybe" }, "StartTLS"},
		{"bad login", func(c *smtpconfig.Config) { c.Login = "always" }, "Login"},
		{"unknown mechanism", func(c *smtpconfig.Config) { c.AuthMethods = []string{"PLAIN", "XOAUTH2"} }, "AuthMethods"},
		{"negative command timeout", func(c *smtpconfig.Config) { c.CommandTimeout = -time.Second }, "CommandTimeout"},
		{"cert without key", func(c *smtpconfig.Config) { c.ClientCertFile = "cert.pem" }, "ClientKeyFile"},
		{"missing root CA file", func(c *smtpconfig.Config) { c.RootCAFile = "/nonexistent/ca.pem" }, "RootCAFile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smtpconfig.Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_MechanismsCaseInsensitive(t *testing.T) {
	cfg := smtpconfig.Default()
	cfg.AuthMethods = []string{"plain", "Cram-MD5", "DIGEST-MD5", "LOGIN"}
	assert.NoError(t, cfg.Validate())
}

func TestAddrAndCredentials(t *testing.T) {
	cfg := smtpconfig.Default()
	cfg.Hostname = "::1"
	cfg.Port = 2525
	assert.Equal(t, "[::1]:2525", cfg.Addr())

	assert.False(t, cfg.HasCredentials())
	cfg.Username = "user"
	assert.False(t, cfg.HasCredentials())
	cfg.Password = "pass"
	assert.True(t, cfg.HasCredentials())

	cfg.OwnHostname = " "
	assert.Equal(t, "localhost", cfg.EHLOName())
	cfg.OwnHostname = "client.example.com"
	assert.Equal(t, "client.example.com", cfg.EHLOName())
}

func TestTLSConfig(t *testing.T) {
	certFile, keyFile := smtptest.WriteCertFiles(t)

	cfg := smtpconfig.Default()
	cfg.Hostname = "relay.test"
	cfg.RootCAFile = certFile
	cfg.ClientCertFile = certFile
	cfg.ClientKeyFile = keyFile
	require.NoError(t, cfg.Validate())

	tlsConfig, err := cfg.TLSConfig()
	require.NoError(t, err)
	assert.Equal(t, "relay.test", tlsConfig.ServerName)
	assert.False(t, tlsConfig.InsecureSkipVerify)
	assert.NotNil(t, tlsConfig.RootCAs)
	assert.Len(t, tlsConfig.Certificates, 1)
}

func TestTLSConfig_TrustAll(t *testing.T) {
	cfg := smtpconfig.Default()
	cfg.TrustAll = true

	tlsConfig, err := cfg.TLSConfig()
	require.NoError(t, err)
	assert.True(t, tlsConfig.InsecureSkipVerify)
	assert.Nil(t, tlsConfig.RootCAs)
}

func TestTLSConfig_BadRootCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	cfg := smtpconfig.Default()
	cfg.RootCAFile = path

	_, err := cfg.TLSConfig()
	assert.ErrorContains(t, err, "no certificates")
}
