package smtpclient

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/alexisbouchez/smtpmail/internal/smtptest"
)

func tlsListener(t *testing.T, ln net.Listener) net.Listener {
	t.Helper()
	return tls.NewListener(ln, smtptest.ServerTLSConfig(t))
}
