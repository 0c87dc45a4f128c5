package shared

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol version constant
const ProtocolVersion = 1

// Error types for envelope validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// Kind is the consultation channel a request, queue entry or session runs on.
type Kind string

const (
	KindChat  Kind = "chat"
	KindCall  Kind = "call"
	KindVideo Kind = "video"
)

// Kinds lists every supported consultation kind in a stable order.
var Kinds = []Kind{KindChat, KindCall, KindVideo}

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindChat:
		return KindChat, nil
	case KindCall:
		return KindCall, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", Validation("INVALID_KIND", fmt.Sprintf("unsupported consultation kind %q", raw))
	}
}

// Role is the principal class carried in access tokens.
type Role string

const (
	RoleUser     Role = "user"
	RoleProvider Role = "provider"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, nil
	case RoleProvider:
		return RoleProvider, nil
	default:
		return "", Validation("INVALID_ROLE", fmt.Sprintf("unsupported role %q", raw))
	}
}

// MessageType identifies a push envelope.
type MessageType string

const (
	MessageTypeRequestCreated    MessageType = "request.created"
	MessageTypeRequestAccepted   MessageType = "request.accepted"
	MessageTypeRequestRejected   MessageType = "request.rejected"
	MessageTypeRequestExpired    MessageType = "request.expired"
	MessageTypeRequestCancelled  MessageType = "request.cancelled"
	MessageTypeQueueJoined       MessageType = "queue.joined"
	MessageTypeQueueLeft         MessageType = "queue.left"
	MessageTypeQueueNotified     MessageType = "queue.notified"
	MessageTypeQueueConnected    MessageType = "queue.connected"
	MessageTypeQueueExpired      MessageType = "queue.expired"
	MessageTypeQueueSkipped      MessageType = "queue.skipped"
	MessageTypeSessionStarted    MessageType = "session.started"
	MessageTypeSessionEnded      MessageType = "session.ended"
	MessageTypeAvailability      MessageType = "availability.changed"
	MessageTypeHeartbeat         MessageType = "heartbeat"
	MessageTypeSubscriptionReady MessageType = "subscription.ready"
)
