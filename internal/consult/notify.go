package consult

import "github.com/seers-hq/consultd/internal/shared"

// Notifier pushes a state transition to the principals it concerns.
type Notifier interface {
	Notify(principalIDs []string, msgType shared.MessageType, payload interface{})
}

type nopNotifier struct{}

func (nopNotifier) Notify([]string, shared.MessageType, interface{}) {}

func notifierOrNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}
