// Package chat holds the rules for chat messages: who takes part in a chat,
// which bodies are encrypted, and how delivery status may move.
package chat

import (
	"errors"
	"strings"
)

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var ErrInvalidStatus = errors.New("invalid message status")

var statusOrder = []Status{StatusSent, StatusDelivered, StatusRead}

func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range statusOrder {
		if status == known {
			return status, nil
		}
	}
	return "", ErrInvalidStatus
}

func (s Status) rank() int {
	for i, known := range statusOrder {
		if s == known {
			return i
		}
	}
	return -1
}

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	return next.rank() > s.rank()
}

// Predecessors lists the statuses a message may hold for an update to s to
// take effect. It is empty for StatusSent.
func (s Status) Predecessors() []Status {
	rank := s.rank()
	if rank <= 0 {
		return nil
	}
	out := make([]Status, rank)
	copy(out, statusOrder[:rank])
	return out
}

// Type is the kind of chat a message belongs to.
type Type string

const (
	TypeGroup      Type = "group"
	TypeAdmin      Type = "admin"
	TypePM         Type = "pm"
	TypeIndividual Type = "individual"
)

var ErrInvalidType = errors.New("invalid chat type")

func ParseType(value string) (Type, error) {
	switch t := Type(strings.TrimSpace(value)); t {
	case TypeGroup, TypeAdmin, TypePM, TypeIndividual:
		return t, nil
	default:
		return "", ErrInvalidType
	}
}

// Pairwise reports whether the chat type is a two-endpoint thread.
func (t Type) Pairwise() bool {
	return t != TypeGroup
}
