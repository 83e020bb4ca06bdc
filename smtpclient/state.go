package smtpclient

import "fmt"

// State is the position of a Session in the SMTP dialogue.
type State int

const (
	StateConnecting State = iota
	StateGreeting
	StateEhlo
	StateTLSUpgrade
	StateAuthenticating
	StateReady
	StateSendTransaction
	StateFailed
	StateQuit
)

var stateNames = [...]string{
	StateConnecting:      "connecting",
	StateGreeting:        "greeting",
	StateEhlo:            "ehlo",
	StateTLSUpgrade:      "tls-upgrade",
	StateAuthenticating:  "authenticating",
	StateReady:           "ready",
	StateSendTransaction: "send-transaction",
	StateFailed:          "failed",
	StateQuit:            "quit",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
