// Package smtppool keeps a bounded set of Ready SMTP sessions to one relay.
//
// Sessions are created lazily, reused while they stay Ready and idle for
// less than the configured idle timeout, and closed with QUIT when evicted.
// Callers that find every slot taken wait in arrival order:
//
//	s, err := pool.Acquire(ctx)
//	if err != nil { ... }
//	receipt, err := s.Send(ctx, env, data)
//	pool.Release(s)
//
// A [Registry] lets several clients share one pool by name.
package smtppool
