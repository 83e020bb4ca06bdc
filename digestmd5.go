package smtp

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// digestMD5Client implements the client side of DIGEST-MD5 (RFC 2831) with
// qop=auth. The exchange has two steps: answer the server's digest-challenge,
// then verify its rspauth and reply with an empty response.
type digestMD5Client struct {
	username string
	password string
	host     string
	cnonce   func() (string, error)

	step    int
	rspauth string
}

func newDigestMD5Client(username, password, host string) *digestMD5Client {
	return &digestMD5Client{username: username, password: password, host: host, cnonce: randomCnonce}
}

func (a *digestMD5Client) Start() (string, []byte, error) {
	return "DIGEST-MD5", nil, nil
}

func (a *digestMD5Client) Next(challenge []byte) ([]byte, error) {
	switch a.step {
	case 0:
		a.step++
		return a.respond(challenge)
	case 1:
		a.step++
		params, err := parseDigestChallenge(string(challenge))
		if err != nil {
			return nil, err
		}
		got := params["rspauth"]
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.rspauth)) != 1 {
			return nil, errors.New("smtp: DIGEST-MD5 server response verification failed")
		}
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("smtp: unexpected DIGEST-MD5 challenge at step %d", a.step)
	}
}

func (a *digestMD5Client) respond(challenge []byte) ([]byte, error) {
	params, err := parseDigestChallenge(string(challenge))
	if err != nil {
		return nil, err
	}

	nonce := params["nonce"]
	if nonce == "" {
		return nil, errors.New("smtp: DIGEST-MD5 challenge without nonce")
	}
	if qop := params["qop"]; qop != "" && !containsToken(qop, "auth") {
		return nil, fmt.Errorf("smtp: DIGEST-MD5 qop %q does not offer auth", qop)
	}
	if alg := params["algorithm"]; alg != "" && !strings.EqualFold(alg, "md5-sess") {
		return nil, fmt.Errorf("smtp: DIGEST-MD5 unsupported algorithm %q", alg)
	}

	realm := params["realm"]
	if realm == "" {
		realm = a.host
	}
	cnonce, err := a.cnonce()
	if err != nil {
		return nil, err
	}

	const nc = "00000001"
	digestURI := "smtp/" + a.host
	response := digestResponse(a.username, realm, a.password, nonce, cnonce, nc, digestURI, "AUTHENTICATE:")
	a.rspauth = digestResponse(a.username, realm, a.password, nonce, cnonce, nc, digestURI, ":")

	var b strings.Builder
	if strings.EqualFold(params["charset"], "utf-8") {
		b.WriteString("charset=utf-8,")
	}
	fmt.Fprintf(&b, `username=%s,realm=%s,nonce=%s,nc=%s,cnonce=%s,digest-uri=%s,response=%s,qop=auth`,
		quoteDigest(a.username), quoteDigest(realm), quoteDigest(nonce), nc,
		quoteDigest(cnonce), quoteDigest(digestURI), response)
	return []byte(b.String()), nil
}

// digestResponse computes the request-digest of RFC 2831 §2.1.2.1. a2Prefix
// is "AUTHENTICATE:" for the client response and ":" for rspauth.
func digestResponse(username, realm, password, nonce, cnonce, nc, digestURI, a2Prefix string) string {
	secret := md5.Sum([]byte(username + ":" + realm + ":" + password))
	a1 := string(secret[:]) + ":" + nonce + ":" + cnonce
	a2 := a2Prefix + digestURI

	ha1 := md5Hex(a1)
	ha2 := md5Hex(a2)
	return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomCnonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("smtp: DIGEST-MD5 cnonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func quoteDigest(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func containsToken(list, token string) bool {
	for _, f := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(f), token) {
			return true
		}
	}
	return false
}

// parseDigestChallenge parses a comma-separated list of key=value pairs where
// values may be quoted strings with backslash escapes. Keys are lower-cased.
// A repeated realm keeps the first value.
func parseDigestChallenge(s string) (map[string]string, error) {
	params := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ',' || s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}

		start := i
		for i < len(s) && s[i] != '=' && s[i] != ',' {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			return nil, fmt.Errorf("smtp: malformed DIGEST-MD5 challenge near %q", s[start:])
		}
		key := strings.ToLower(strings.TrimSpace(s[start:i]))
		i++

		var value strings.Builder
		if i < len(s) && s[i] == '"' {
			i++
			closed := false
			for i < len(s) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					value.WriteByte(s[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				value.WriteByte(c)
				i++
			}
			if !closed {
				return nil, errors.New("smtp: unterminated quoted string in DIGEST-MD5 challenge")
			}
		} else {
			for i < len(s) && s[i] != ',' {
				value.WriteByte(s[i])
				i++
			}
		}

		if _, dup := params[key]; dup && key == "realm" {
			continue
		}
		params[key] = strings.TrimSpace(value.String())
	}
	return params, nil
}
