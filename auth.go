package smtp

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// Mechanism is one of the SASL mechanisms the client can negotiate. The
// constants are ordered by preference: a higher value is stronger.
type Mechanism int

const (
	MechanismNone Mechanism = iota
	MechanismPlain
	MechanismLogin
	MechanismCramMD5
	MechanismDigestMD5
)

var mechanismNames = map[Mechanism]string{
	MechanismNone:      "NONE",
	MechanismPlain:     sasl.Plain,
	MechanismLogin:     sasl.Login,
	MechanismCramMD5:   "CRAM-MD5",
	MechanismDigestMD5: "DIGEST-MD5",
}

// String returns the IANA-registered mechanism name (e.g., "CRAM-MD5").
func (m Mechanism) String() string {
	if name, ok := mechanismNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mechanism(%d)", int(m))
}

// ParseMechanism maps a mechanism name, case-insensitively, to a Mechanism.
// It reports false for names the client does not implement.
func ParseMechanism(name string) (Mechanism, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for m, n := range mechanismNames {
		if m != MechanismNone && n == name {
			return m, true
		}
	}
	return MechanismNone, false
}

// SupportedMechanisms lists the implemented mechanisms, strongest first.
func SupportedMechanisms() []Mechanism {
	return []Mechanism{MechanismDigestMD5, MechanismCramMD5, MechanismLogin, MechanismPlain}
}

// SelectMechanism returns the strongest mechanism present both in the
// server's advertised list and in allowed. An empty allowed list permits every
// supported mechanism. It returns MechanismNone when nothing matches.
func SelectMechanism(server, allowed []string) Mechanism {
	offered := make(map[Mechanism]bool)
	for _, name := range server {
		if m, ok := ParseMechanism(name); ok {
			offered[m] = true
		}
	}

	permitted := offered
	if len(allowed) > 0 {
		permitted = make(map[Mechanism]bool)
		for _, name := range allowed {
			if m, ok := ParseMechanism(name); ok && offered[m] {
				permitted[m] = true
			}
		}
	}

	for _, m := range SupportedMechanisms() {
		if permitted[m] {
			return m
		}
	}
	return MechanismNone
}

// Credentials holds what a mechanism needs to authenticate.
type Credentials struct {
	Identity string // Authorization identity (PLAIN only), usually empty.
	Username string
	Password string
	Host     string // Server host name, used in the DIGEST-MD5 digest-uri.
}

// Client returns the client side of the mechanism as a [sasl.Client].
func (m Mechanism) Client(c Credentials) (sasl.Client, error) {
	switch m {
	case MechanismPlain:
		return sasl.NewPlainClient(c.Identity, c.Username, c.Password), nil
	case MechanismLogin:
		return &loginClient{username: c.Username, password: c.Password}, nil
	case MechanismCramMD5:
		return &cramMD5Client{username: c.Username, secret: c.Password}, nil
	case MechanismDigestMD5:
		return newDigestMD5Client(c.Username, c.Password, c.Host), nil
	default:
		return nil, fmt.Errorf("smtp: no client for mechanism %s", m)
	}
}

// loginClient implements the LOGIN mechanism (draft-murchison-sasl-login).
// Unlike go-sasl's LOGIN client it sends no initial response, since several
// deployed servers reject one.
type loginClient struct {
	username string
	password string
	step     int
}

func (a *loginClient) Start() (string, []byte, error) {
	return sasl.Login, nil, nil
}

func (a *loginClient) Next(challenge []byte) ([]byte, error) {
	switch a.step {
	case 0:
		a.step++
		return []byte(a.username), nil
	case 1:
		a.step++
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("smtp: unexpected LOGIN challenge at step %d", a.step)
	}
}

// cramMD5Client implements CRAM-MD5 (RFC 2195).
type cramMD5Client struct {
	username string
	secret   string
}

func (a *cramMD5Client) Start() (string, []byte, error) {
	// The server sends the challenge; there is no initial response.
	return "CRAM-MD5", nil, nil
}

func (a *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	mac := hmac.New(md5.New, []byte(a.secret))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	return []byte(a.username + " " + digest), nil
}
