// Package smtpconfig defines the relay configuration shared by sessions,
// pools and the mailer, with defaults, validation and file loading.
package smtpconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbouchez/smtpmail"
)

// StartTLSMode controls the STARTTLS upgrade of a plain connection.
type StartTLSMode string

const (
	StartTLSDisabled StartTLSMode = "disabled"
	StartTLSOptional StartTLSMode = "optional" // Upgrade when advertised.
	StartTLSRequired StartTLSMode = "required" // Fail when not advertised.
)

// LoginMode controls authentication after the capability exchange.
type LoginMode string

const (
	LoginDisabled LoginMode = "disabled" // Never authenticate.
	LoginNone     LoginMode = "none"     // Authenticate when credentials and a common mechanism exist.
	LoginRequired LoginMode = "required" // Fail when authentication is impossible.
)

// Defaults for a relay on the local host.
const (
	DefaultHostname       = "localhost"
	DefaultPort           = 25
	DefaultMaxPoolSize    = 10
	DefaultIdleTimeout    = 300 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// Config describes how to reach and talk to one relay.
type Config struct {
	Hostname string       `toml:"hostname" yaml:"hostname" validate:"required"`
	Port     int          `toml:"port" yaml:"port" validate:"min=1,max=65535"`
	StartTLS StartTLSMode `toml:"starttls" yaml:"starttls" validate:"oneof=disabled optional required"`
	SSL      bool         `toml:"ssl" yaml:"ssl"` // TLS from the first byte.

	Login        LoginMode `toml:"login" yaml:"login" validate:"oneof=disabled none required"`
	AuthMethods  []string  `toml:"auth_methods" yaml:"auth_methods" validate:"dive,sasl_mechanism"`
	Username     string    `toml:"username" yaml:"username"`
	Password     string    `toml:"password" yaml:"password"`
	AuthIdentity string    `toml:"auth_identity" yaml:"auth_identity"`

	TrustAll       bool   `toml:"trust_all" yaml:"trust_all"`
	RootCAFile     string `toml:"root_ca_file" yaml:"root_ca_file" validate:"omitempty,file"`
	ClientCertFile string `toml:"client_cert_file" yaml:"client_cert_file" validate:"required_with=ClientKeyFile"`
	ClientKeyFile  string `toml:"client_key_file" yaml:"client_key_file" validate:"required_with=ClientCertFile"`

	OwnHostname string `toml:"own_hostname" yaml:"own_hostname"`

	MaxPoolSize     int           `toml:"max_pool_size" yaml:"max_pool_size" validate:"min=1"`
	IdleTimeout     time.Duration `toml:"idle_timeout" yaml:"idle_timeout" validate:"gt=0"`
	KeepAlive       bool          `toml:"keep_alive" yaml:"keep_alive"`
	AllowRcptErrors bool          `toml:"allow_rcpt_errors" yaml:"allow_rcpt_errors"`

	ConnectTimeout time.Duration `toml:"connect_timeout" yaml:"connect_timeout" validate:"gte=0"`
	CommandTimeout time.Duration `toml:"command_timeout" yaml:"command_timeout" validate:"gte=0"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Hostname:       DefaultHostname,
		Port:           DefaultPort,
		StartTLS:       StartTLSOptional,
		Login:          LoginNone,
		OwnHostname:    localHostname(),
		MaxPoolSize:    DefaultMaxPoolSize,
		IdleTimeout:    DefaultIdleTimeout,
		KeepAlive:      true,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

func localHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// validate is a package-level singleton; validators cache struct metadata.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("sasl_mechanism", func(fl validator.FieldLevel) bool {
		_, ok := smtp.ParseMechanism(fl.Field().String())
		return ok
	})
	return v
}

// Validate checks the record. Every constructor taking a Config calls it.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("smtpconfig: invalid config: %w", err)
	}
	return nil
}

// Addr returns the relay address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// HasCredentials reports whether both a username and a password are set.
func (c Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// EHLOName returns the name announced in EHLO/HELO and used for Message-IDs.
func (c Config) EHLOName() string {
	if name := strings.TrimSpace(c.OwnHostname); name != "" {
		return name
	}
	return "localhost"
}

// TLSConfig builds the client TLS configuration for SSL and STARTTLS.
func (c Config) TLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         c.Hostname,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: c.TrustAll,
	}

	if c.RootCAFile != "" {
		pem, err := os.ReadFile(c.RootCAFile)
		if err != nil {
			return nil, fmt.Errorf("smtpconfig: reading root CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("smtpconfig: no certificates in %s", c.RootCAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if c.ClientCertFile != "" && c.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("smtpconfig: loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
