package app

import "net/http"

// Account management for administrators and project managers.

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body CreateUserInput
	if !s.decode(w, r, &body) {
		return
	}
	user, err := s.service.CreateUser(r.Context(), sessionFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "User created successfully", "user": user})
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context(), sessionFrom(r.Context()), r.URL.Query().Get("owner"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteUser(r.Context(), sessionFrom(r.Context()), pathParam(r, "userID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "User deleted successfully"})
}
