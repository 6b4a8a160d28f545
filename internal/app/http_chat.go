package app

import "net/http"

type messageBody struct {
	Message string `json:"message" validate:"required,max=4000"`
}

func (s *HTTPServer) handleChatList(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ChatList(r.Context(), sessionFrom(r.Context()), pathParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": list})
}

func (s *HTTPServer) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.service.FetchMessages(
		r.Context(),
		sessionFrom(r.Context()),
		pathParam(r, "projectID"),
		pathParam(r, "chatType"),
		pathParam(r, "chatID"),
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if !s.decode(w, r, &body) {
		return
	}
	msg, err := s.service.PostMessage(
		r.Context(),
		sessionFrom(r.Context()),
		pathParam(r, "projectID"),
		pathParam(r, "chatType"),
		pathParam(r, "chatID"),
		body.Message,
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *HTTPServer) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.service.GetMessage(r.Context(), sessionFrom(r.Context()), pathParam(r, "messageID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *HTTPServer) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status" validate:"required"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	msg, err := s.service.SetMessageStatus(r.Context(), sessionFrom(r.Context()), pathParam(r, "messageID"), body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *HTTPServer) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if !s.decode(w, r, &body) {
		return
	}
	msg, err := s.service.EditMessage(r.Context(), sessionFrom(r.Context()), pathParam(r, "messageID"), body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteMessage(r.Context(), sessionFrom(r.Context()), pathParam(r, "messageID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Message deleted successfully"})
}
