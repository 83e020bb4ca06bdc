// Package smtpclient drives one SMTP session to a relay (RFC 5321).
//
// # Session lifecycle
//
// [Dial] connects, reads the greeting, negotiates capabilities with EHLO
// (falling back to HELO), upgrades with STARTTLS (RFC 3207) and
// authenticates (RFC 4954) as the [smtpconfig.Config] asks. The returned
// [Session] is Ready:
//
//	s, err := smtpclient.Dial(ctx, cfg)
//	if err != nil { ... }
//	defer s.Quit(ctx)
//	receipt, err := s.Send(ctx, smtp.Envelope{From: from, Recipients: to}, data)
//
// A session runs any number of transactions. Reply-level rejections (4xx or
// 5xx) leave it Ready; transport failures, malformed replies and anything
// going wrong while DATA bytes are in flight move it to Failed, after which
// every call returns the recorded cause.
//
// # Authentication
//
// The mechanism is the strongest one advertised by the server and allowed
// by the configuration: DIGEST-MD5, CRAM-MD5, LOGIN, then PLAIN.
package smtpclient
