package app

import "net/http"

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body CreateProjectInput
	if !s.decode(w, r, &body) {
		return
	}
	project, err := s.service.CreateProject(r.Context(), sessionFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Project created successfully", "project": project})
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *HTTPServer) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status" validate:"required,oneof=created running done"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	project, err := s.service.UpdateProjectStatus(r.Context(), sessionFrom(r.Context()), pathParam(r, "projectID"), body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *HTTPServer) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.service.ListCards(r.Context(), sessionFrom(r.Context()), pathParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *HTTPServer) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var body CardInput
	if !s.decode(w, r, &body) {
		return
	}
	card, err := s.service.CreateCard(r.Context(), sessionFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (s *HTTPServer) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var body CardUpdate
	if !s.decode(w, r, &body) {
		return
	}
	card, project, err := s.service.UpdateCard(r.Context(), sessionFrom(r.Context()), pathParam(r, "cardID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": card, "project": project})
}

func (s *HTTPServer) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteCard(r.Context(), sessionFrom(r.Context()), pathParam(r, "cardID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Card deleted successfully"})
}
