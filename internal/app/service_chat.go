package app

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"crewboard/api/internal/chat"
	"crewboard/api/internal/store"
	"crewboard/api/internal/util"
)

const maxMessageLength = 4000

// ChatListEntry is one selectable conversation in a project.
type ChatListEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
}

// ChatList returns the project's group chat followed by one pairwise chat per
// other member.
func (s *Service) ChatList(ctx context.Context, session Session, projectID string) ([]ChatListEntry, error) {
	entry, err := s.projectIndex(ctx, projectID)
	if err != nil {
		return nil, err
	}
	project := membership(entry)
	members := project.Members(s.router.Admin())
	if !chat.Contains(members, session.Username) {
		return nil, forbidden("Not a member of this project")
	}

	list := []ChatListEntry{{ID: "group", Name: "Group Chat", Type: string(chat.TypeGroup), Participants: members}}
	for _, member := range members {
		if member == session.Username {
			continue
		}
		pair, err := chat.Participants(s.router.Admin(), project, chat.TypeIndividual, member, session.Username)
		if err != nil {
			return nil, validation(err.Error())
		}
		list = append(list, ChatListEntry{
			ID:           member,
			Name:         s.displayName(ctx, member),
			Type:         string(chat.TypeIndividual),
			Participants: pair,
		})
	}
	return list, nil
}

func (s *Service) displayName(ctx context.Context, identity string) string {
	if s.router.IsReservedAdmin(identity) {
		return "Admin"
	}
	entry, err := s.store.GetUserIndex(ctx, identity)
	if err != nil || entry.Name == "" {
		return identity
	}
	return entry.Name
}

// resolveChat validates the chat coordinates and returns its participants.
// The caller must be one of them.
func (s *Service) resolveChat(ctx context.Context, projectID, chatType, chatID, caller string) (store.ProjectIndexEntry, chat.Type, []string, error) {
	kind, err := chat.ParseType(chatType)
	if err != nil {
		return store.ProjectIndexEntry{}, "", nil, validation(err.Error())
	}
	entry, err := s.projectIndex(ctx, projectID)
	if err != nil {
		return store.ProjectIndexEntry{}, "", nil, err
	}
	project := membership(entry)
	members := project.Members(s.router.Admin())
	if !chat.Contains(members, caller) {
		return store.ProjectIndexEntry{}, "", nil, forbidden("Not a member of this project")
	}

	chatID = strings.TrimSpace(chatID)
	if kind.Pairwise() && !chat.Contains(members, chatID) {
		return store.ProjectIndexEntry{}, "", nil, validation("chat partner is not a member of this project")
	}
	participants, err := chat.Participants(s.router.Admin(), project, kind, chatID, caller)
	if err != nil {
		return store.ProjectIndexEntry{}, "", nil, validation(err.Error())
	}
	return entry, kind, participants, nil
}

// PostMessage stores a message from sender. Two-party chats store only the
// placeholder body and the sealed envelope.
func (s *Service) PostMessage(ctx context.Context, session Session, projectID, chatType, chatID, text string) (store.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return store.ChatMessage{}, validation("message is required")
	}
	if len(text) > maxMessageLength {
		return store.ChatMessage{}, validation("message is too long")
	}
	entry, kind, participants, err := s.resolveChat(ctx, projectID, chatType, chatID, session.Username)
	if err != nil {
		return store.ChatMessage{}, err
	}

	body, envelope, err := chat.Seal(participants, session.Username, text)
	if err != nil {
		return store.ChatMessage{}, err
	}
	msg := store.ChatMessage{
		ID:               util.NewID("msg"),
		ProjectID:        entry.ProjectID,
		ChatType:         string(kind),
		Participants:     participants,
		Sender:           session.Username,
		Message:          body,
		EncryptedMessage: envelope,
		Status:           string(chat.StatusSent),
		Timestamp:        s.now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return store.ChatMessage{}, err
	}
	encrypted := envelope != ""
	chatMessagesPosted.WithLabelValues(msg.ChatType, strconv.FormatBool(encrypted)).Inc()
	s.publish(ctx, msg.ProjectID, "messageCreated", publicMessage(msg))

	view := msg
	view.Message = text
	view.EncryptedMessage = ""
	return view, nil
}

// FetchMessages returns a chat's visible messages oldest first, opened for
// caller. Messages from others still at sent are marked delivered.
func (s *Service) FetchMessages(ctx context.Context, session Session, projectID, chatType, chatID string) ([]store.ChatMessage, error) {
	entry, kind, participants, err := s.resolveChat(ctx, projectID, chatType, chatID, session.Username)
	if err != nil {
		return nil, err
	}
	query := store.MessageQuery{ProjectID: entry.ProjectID, ChatType: string(kind)}
	if kind.Pairwise() {
		query.Participants = participants
	}
	messages, err := s.store.ListMessages(ctx, query)
	if err != nil {
		return nil, err
	}

	for i := range messages {
		msg := &messages[i]
		if msg.Sender != session.Username && msg.Status == string(chat.StatusSent) {
			if err := s.advance(ctx, msg, chat.StatusDelivered); err != nil {
				return nil, err
			}
		}
		s.openFor(msg, session.Username)
	}
	return messages, nil
}

// GetMessage returns one message by id, including soft-deleted ones. Callers
// outside the participant set are rejected before anything is decrypted.
func (s *Service) GetMessage(ctx context.Context, session Session, messageID string) (store.ChatMessage, error) {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if !chat.Contains(msg.Participants, session.Username) {
		return store.ChatMessage{}, forbidden("Not a participant of this chat")
	}
	s.openFor(&msg, session.Username)
	return msg, nil
}

// SetMessageStatus moves a message forward to status. Setting an equal or
// earlier status leaves the message unchanged.
func (s *Service) SetMessageStatus(ctx context.Context, session Session, messageID, status string) (store.ChatMessage, error) {
	next, err := chat.ParseStatus(status)
	if err != nil {
		return store.ChatMessage{}, validation(err.Error())
	}
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if !chat.Contains(msg.Participants, session.Username) {
		return store.ChatMessage{}, forbidden("Not a participant of this chat")
	}
	if err := s.advance(ctx, &msg, next); err != nil {
		return store.ChatMessage{}, err
	}
	s.openFor(&msg, session.Username)
	return msg, nil
}

// advance applies a forward transition with a conditional write so
// concurrent readers never move a message backwards.
func (s *Service) advance(ctx context.Context, msg *store.ChatMessage, next chat.Status) error {
	current, err := chat.ParseStatus(msg.Status)
	if err != nil {
		current = chat.StatusSent
	}
	if !current.Advances(next) {
		return nil
	}
	from := make([]string, 0, 2)
	for _, status := range next.Predecessors() {
		from = append(from, string(status))
	}
	changed, err := s.store.AdvanceMessageStatus(ctx, msg.ID, string(next), from)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Message")
		}
		return err
	}
	if !changed {
		latest, err := s.store.GetMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		msg.Status = latest.Status
		return nil
	}
	msg.Status = string(next)
	chatStatusTransitions.WithLabelValues(msg.Status).Inc()
	s.publish(ctx, msg.ProjectID, "messageStatusUpdated", map[string]string{
		"messageId": msg.ID,
		"status":    msg.Status,
	})
	return nil
}

// DeleteMessage soft-deletes a message. Only its sender may do so.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string) error {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Sender != session.Username {
		return forbidden("Only the sender can delete this message")
	}
	if msg.IsDeleted {
		return nil
	}
	if err := s.store.MarkMessageDeleted(ctx, msg.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Message")
		}
		return err
	}
	s.publish(ctx, msg.ProjectID, "messageDeleted", map[string]string{"messageId": msg.ID})
	return nil
}

// EditMessage replaces the body of the sender's own message, sealing it again
// with a fresh nonce for two-party chats.
func (s *Service) EditMessage(ctx context.Context, session Session, messageID, text string) (store.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return store.ChatMessage{}, validation("message is required")
	}
	if len(text) > maxMessageLength {
		return store.ChatMessage{}, validation("message is too long")
	}
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if msg.Sender != session.Username {
		return store.ChatMessage{}, forbidden("Only the sender can edit this message")
	}
	if msg.IsDeleted {
		return store.ChatMessage{}, notFound("Message")
	}

	body, envelope, err := chat.Seal(msg.Participants, msg.Sender, text)
	if err != nil {
		return store.ChatMessage{}, err
	}
	editedAt := s.now().UTC()
	if err := s.store.UpdateMessageBody(ctx, msg.ID, body, envelope, editedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ChatMessage{}, notFound("Message")
		}
		return store.ChatMessage{}, err
	}
	msg.Message = body
	msg.EncryptedMessage = envelope
	msg.EditedAt = &editedAt
	s.publish(ctx, msg.ProjectID, "messageEdited", publicMessage(msg))

	msg.Message = text
	msg.EncryptedMessage = ""
	return msg, nil
}

func (s *Service) message(ctx context.Context, messageID string) (store.ChatMessage, error) {
	msg, err := s.store.GetMessage(ctx, strings.TrimSpace(messageID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ChatMessage{}, notFound("Message")
		}
		return store.ChatMessage{}, err
	}
	return msg, nil
}

// openFor replaces the stored body with what viewer may read and drops the
// envelope. Decryption failures become a placeholder.
func (s *Service) openFor(msg *store.ChatMessage, viewer string) {
	text, err := chat.Open(msg.Participants, msg.Sender, msg.Message, msg.EncryptedMessage, viewer)
	if err != nil {
		chatDecryptionFailures.Inc()
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Str("project_id", msg.ProjectID).Msg("message decryption failed")
	}
	msg.Message = text
	msg.EncryptedMessage = ""
}

// publicMessage is the form of a message broadcast to project subscribers.
// Sealed bodies stay as their placeholder.
func publicMessage(msg store.ChatMessage) store.ChatMessage {
	msg.EncryptedMessage = ""
	return msg
}
