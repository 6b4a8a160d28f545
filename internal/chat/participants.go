package chat

import (
	"errors"
	"slices"
)

var (
	ErrSelfChat        = errors.New("a pairwise chat needs two distinct participants")
	ErrNoParticipants  = errors.New("chat has no participants")
	ErrMissingEndpoint = errors.New("pairwise chat requires a caller and a chat id")
)

// Membership is the part of a project that decides chat participants.
type Membership struct {
	CreatedBy   string
	TeamMembers []string
}

// Members returns the group roster for a project: the reserved administrator,
// the creator and the team, without duplicates and in that order.
func (m Membership) Members(reservedAdmin string) []string {
	out := make([]string, 0, len(m.TeamMembers)+2)
	for _, id := range append([]string{reservedAdmin, m.CreatedBy}, m.TeamMembers...) {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Participants resolves who takes part in a chat. Group chats include the
// whole roster. Every other chat type is the sorted pair {caller, chatID}.
func Participants(reservedAdmin string, project Membership, chatType Type, chatID, caller string) ([]string, error) {
	if chatType == TypeGroup {
		members := project.Members(reservedAdmin)
		if len(members) == 0 {
			return nil, ErrNoParticipants
		}
		return members, nil
	}
	if caller == "" || chatID == "" {
		return nil, ErrMissingEndpoint
	}
	if caller == chatID {
		return nil, ErrSelfChat
	}
	pair := []string{caller, chatID}
	slices.Sort(pair)
	return pair, nil
}

// Contains reports whether identity is one of participants.
func Contains(participants []string, identity string) bool {
	return slices.Contains(participants, identity)
}

// Counterpart returns the participant of a two-party chat that is not
// sender.
func Counterpart(participants []string, sender string) string {
	for _, p := range participants {
		if p != sender {
			return p
		}
	}
	return sender
}
