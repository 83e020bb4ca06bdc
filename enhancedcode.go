package smtp

import "fmt"

// EnhancedCode represents an enhanced mail system status code as defined in
// RFC 3463. Format is class.subject.detail (e.g., 2.1.0).
type EnhancedCode struct {
	Class   int // 2 = success, 4 = transient failure, 5 = permanent failure
	Subject int
	Detail  int
}

// Enhanced codes seen in relay replies (RFC 3463, RFC 5248).
var (
	EnhancedCodeOK              = EnhancedCode{2, 0, 0}
	EnhancedCodeBadDest         = EnhancedCode{5, 1, 1}
	EnhancedCodeMailboxFull     = EnhancedCode{5, 2, 2}
	EnhancedCodeMsgTooLarge     = EnhancedCode{5, 3, 4}
	EnhancedCodeTempCongestion  = EnhancedCode{4, 4, 5}
	EnhancedCodeAuthCredentials = EnhancedCode{5, 7, 8}
)

// String returns the enhanced code formatted as "X.Y.Z" (e.g., "2.1.0").
func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// IsZero reports whether the enhanced code is the zero value.
func (e EnhancedCode) IsZero() bool {
	return e.Class == 0 && e.Subject == 0 && e.Detail == 0
}
