package smtpclient

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/internal/smtptest"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func authConfig(srv *smtptest.Server, login smtpconfig.LoginMode, user, pass string) smtpconfig.Config {
	cfg := srv.Config()
	cfg.Login = login
	cfg.Username = user
	cfg.Password = pass
	return cfg
}

func TestAuth_RequiredWithoutCapability(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", ehloReply("SIZE 1000", "8BITMIME"))

	s, err := Dial(context.Background(), authConfig(srv, smtpconfig.LoginRequired, "user", "pass"))

	assert.Nil(t, s)
	var authErr *smtp.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, smtp.ErrNoMechanism)
	assert.False(t, srv.HasCommand("AUTH"))
	assert.False(t, srv.HasCommand("MAIL FROM"))
}

func TestAuth_RequiredWithoutCredentials(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", ehloReply("AUTH PLAIN"))

	_, err := Dial(context.Background(), authConfig(srv, smtpconfig.LoginRequired, "", ""))

	assert.ErrorIs(t, err, smtp.ErrNoCredentials)
}

func TestAuth_NoneSkipsWithoutCredentials(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", ehloReply("AUTH PLAIN LOGIN"))

	s := dial(t, authConfig(srv, smtpconfig.LoginNone, "", ""))

	assert.True(t, s.Usable())
	assert.False(t, s.Authenticated())
	assert.False(t, srv.HasCommand("AUTH"))
}

func TestAuth_NoneSkipsWithoutCommonMechanism(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", ehloReply("AUTH XOAUTH2 GSSAPI"))

	s := dial(t, authConfig(srv, smtpconfig.LoginNone, "user", "pass"))

	assert.True(t, s.Usable())
	assert.False(t, s.Authenticated())
}

func TestAuth_DisabledIgnoresCapability(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", ehloReply("AUTH PLAIN"))

	s := dial(t, authConfig(srv, smtpconfig.LoginDisabled, "user", "pass"))

	assert.False(t, s.Authenticated())
	assert.False(t, srv.HasCommand("AUTH"))
}

func TestAuth_Plain(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH PLAIN"),
		"AUTH PLAIN "+b64("\x00user\x00pass"), "235 2.7.0 Authentication successful",
	)

	s := dial(t, authConfig(srv, smtpconfig.LoginNone, "user", "pass"))

	assert.True(t, s.Authenticated())
	assert.Equal(t, StateReady, s.State())
}

func TestAuth_PlainWithIdentity(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH PLAIN"),
		"AUTH PLAIN "+b64("admin\x00user\x00pass"), "235 2.7.0 OK",
	)

	cfg := authConfig(srv, smtpconfig.LoginRequired, "user", "pass")
	cfg.AuthIdentity = "admin"

	s := dial(t, cfg)
	assert.True(t, s.Authenticated())
}

func TestAuth_Login(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH LOGIN PLAIN"),
		"AUTH LOGIN", "334 "+b64("Username:"),
		b64("user"), "334 "+b64("Password:"),
		b64("pass"), "235 2.7.0 OK",
	)

	s := dial(t, authConfig(srv, smtpconfig.LoginRequired, "user", "pass"))

	assert.True(t, s.Authenticated())
	assert.Equal(t, []string{"EHLO client.test", "AUTH LOGIN", b64("user"), b64("pass")}, srv.Commands())
}

func TestAuth_CramMD5(t *testing.T) {
	// RFC 2195 §2 example exchange.
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH PLAIN LOGIN CRAM-MD5"),
		"AUTH CRAM-MD5", "334 "+b64("<1896.697170952@postoffice.reston.mci.net>"),
		b64("tim b913a602c7eda7a495b4e6e7334d3890"), "235 2.7.0 OK",
	)

	s := dial(t, authConfig(srv, smtpconfig.LoginRequired, "tim", "tanstaaftanstaaf"))

	assert.True(t, s.Authenticated())
}

func TestAuth_RestrictedMethods(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH CRAM-MD5 PLAIN"),
		"AUTH PLAIN ", "235 2.7.0 OK",
	)

	cfg := authConfig(srv, smtpconfig.LoginRequired, "user", "pass")
	cfg.AuthMethods = []string{"plain"}

	s := dial(t, cfg)
	assert.True(t, s.Authenticated())
}

func TestAuth_Rejected(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH PLAIN"),
		"AUTH PLAIN", "535 5.7.8 Authentication credentials invalid",
	)

	s, err := Dial(context.Background(), authConfig(srv, smtpconfig.LoginNone, "user", "wrong"))

	assert.Nil(t, s)
	var authErr *smtp.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, smtp.MechanismPlain, authErr.Mechanism)
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, smtp.ReplyAuthFailed, smtpErr.Code)
	assert.Equal(t, smtp.EnhancedCodeAuthCredentials, smtpErr.EnhancedCode)
	assert.True(t, smtp.IsPermanent(err))
}

func TestAuth_BadChallengeCancels(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH LOGIN"),
		"AUTH LOGIN", "334 not*base64",
		"*", "501 5.7.0 Authentication cancelled",
	)

	_, err := Dial(context.Background(), authConfig(srv, smtpconfig.LoginRequired, "user", "pass"))

	var authErr *smtp.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorContains(t, err, "decoding challenge")
	assert.True(t, srv.HasCommand("*"))
}

func TestAuth_DigestMD5BadServerProof(t *testing.T) {
	challenge := `realm="relay.test",nonce="OA6MG9tEQGm2hh",qop="auth",charset=utf-8,algorithm=md5-sess`
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH DIGEST-MD5 CRAM-MD5"),
		"AUTH DIGEST-MD5", "334 "+b64(challenge),
		smtptest.Any, "334 "+b64("rspauth=00000000000000000000000000000000"),
		"*", "501 5.7.0 Authentication cancelled",
	)

	_, err := Dial(context.Background(), authConfig(srv, smtpconfig.LoginRequired, "chris", "secret"))

	var authErr *smtp.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, smtp.MechanismDigestMD5, authErr.Mechanism)
	assert.ErrorContains(t, err, "verification failed")

	cmds := srv.Commands()
	require.Len(t, cmds, 4)
	resp, err := base64.StdEncoding.DecodeString(cmds[2])
	require.NoError(t, err)
	assert.Contains(t, string(resp), `username="chris"`)
	assert.Contains(t, string(resp), `digest-uri="smtp/127.0.0.1"`)
	assert.Equal(t, "*", cmds[3])
}

func TestAuth_DroppedDuringExchange(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("AUTH LOGIN"),
		"AUTH LOGIN", "334 "+b64("Username:"),
		b64("user"), smtptest.Drop,
	)

	s, err := Dial(context.Background(), authConfig(srv, smtpconfig.LoginRequired, "user", "pass"))

	assert.Nil(t, s)
	var authErr *smtp.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, smtp.MechanismLogin, authErr.Mechanism)
	var connErr *smtp.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}
