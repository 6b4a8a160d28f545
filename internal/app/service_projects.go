package app

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"crewboard/api/internal/rbac"
	"crewboard/api/internal/store"
	"crewboard/api/internal/tenant"
	"crewboard/api/internal/util"
)

const (
	ProjectCreated = "created"
	ProjectRunning = "running"
	ProjectDone    = "done"
)

const maxCardsPerProject = 200

func validProjectStatus(status string) bool {
	return status == ProjectCreated || status == ProjectRunning || status == ProjectDone
}

// completion returns the rounded percentage of completed tasks, or 0 when
// there are none.
func completion(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) * 100 / float64(total)))
}

func cardPercentage(tasks []store.Task) int {
	done := 0
	for _, task := range tasks {
		if task.Completed {
			done++
		}
	}
	return completion(done, len(tasks))
}

// projectPercentage weights every task equally across the project's cards.
func projectPercentage(cards []store.Card) int {
	done, total := 0, 0
	for _, card := range cards {
		total += len(card.WorkList)
		for _, task := range card.WorkList {
			if task.Completed {
				done++
			}
		}
	}
	return completion(done, total)
}

// nextProjectStatus applies the completion rule: a project is done exactly
// while it is at 100%.
func nextProjectStatus(current string, percentage int) string {
	switch {
	case percentage == 100:
		return ProjectDone
	case current == ProjectDone:
		return ProjectRunning
	default:
		return current
	}
}

func cardLocked(card store.Card, now time.Time) bool {
	return card.Locked || (card.EndDate != nil && card.EndDate.Before(now))
}

type CreateProjectInput struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=2000"`
	TeamMembers []string `json:"teamMembers" validate:"required,min=1,dive,required"`
	CardsNumber int      `json:"cardsNumber" validate:"min=0"`
}

// CreateProject stores a project in the caller's partition together with
// CardsNumber empty cards.
func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (store.Project, error) {
	if err := s.require(session, rbac.ActionCreateProject); err != nil {
		return store.Project{}, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Project{}, validation("name is required")
	}
	members := make([]string, 0, len(input.TeamMembers))
	for _, member := range input.TeamMembers {
		member = strings.TrimSpace(member)
		if member != "" && !slices.Contains(members, member) {
			members = append(members, member)
		}
	}
	if len(members) == 0 {
		return store.Project{}, validation("At least one team member is required")
	}
	if input.CardsNumber < 0 || input.CardsNumber > maxCardsPerProject {
		return store.Project{}, validation("cardsNumber is out of range")
	}

	partition, err := s.ResolvePartition(ctx, session.Username, tenant.KindProjects)
	if err != nil {
		return store.Project{}, err
	}
	now := s.now().UTC()
	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   session.Username,
		TeamMembers: members,
		CardsNumber: input.CardsNumber,
		Status:      ProjectCreated,
		CreatedAt:   now,
	}
	if err := s.store.InsertProject(ctx, partition, project); err != nil {
		return store.Project{}, err
	}

	if input.CardsNumber > 0 {
		cards := make([]store.Card, 0, input.CardsNumber)
		for i := 0; i < input.CardsNumber; i++ {
			cards = append(cards, store.Card{
				ID:        util.NewID("card"),
				ProjectID: project.ID,
				WorkList:  []store.Task{},
				CreatedBy: session.Username,
				CreatedAt: now,
			})
		}
		if err := s.store.InsertCards(ctx, cards); err != nil {
			return store.Project{}, err
		}
	}

	s.logger.Info().
		Str("project_id", project.ID).
		Str("partition", partition).
		Int("cards", input.CardsNumber).
		Msg("project created")
	return project, nil
}

// ListProjects returns the projects visible to the caller with freshly
// computed percentages.
func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	var (
		projects []store.Project
		err      error
	)
	switch rbac.Normalize(session.Role) {
	case rbac.RoleProjectManager:
		projects, err = s.ownProjects(ctx, session.Username)
	case rbac.RoleAdmin:
		projects, err = s.adminProjects(ctx, session.Username)
	case rbac.RoleTeamMember:
		projects, err = s.memberProjects(ctx, session.Username)
	default:
		return nil, forbidden("Forbidden")
	}
	if err != nil {
		return nil, err
	}

	for i := range projects {
		cards, err := s.store.ListCards(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		percentage := projectPercentage(cards)
		if percentage == projects[i].Percentage {
			continue
		}
		partition := s.router.PartitionFor(projects[i].CreatedBy, tenant.KindProjects)
		if _, err := s.store.UpdateProject(ctx, partition, projects[i].ID, store.ProjectUpdate{Percentage: &percentage}); err != nil {
			return nil, err
		}
		projects[i].Percentage = percentage
	}
	return projects, nil
}

func (s *Service) ownProjects(ctx context.Context, owner string) ([]store.Project, error) {
	partition, err := s.ResolvePartition(ctx, owner, tenant.KindProjects)
	if err != nil {
		return nil, err
	}
	return s.store.ListProjects(ctx, partition)
}

func (s *Service) adminProjects(ctx context.Context, admin string) ([]store.Project, error) {
	projects, err := s.ownProjects(ctx, admin)
	if err != nil {
		return nil, err
	}
	managers, err := s.managersOf(ctx, admin)
	if err != nil {
		return nil, err
	}
	for _, manager := range managers {
		managed, err := s.ownProjects(ctx, manager.Username)
		if err != nil {
			return nil, err
		}
		projects = append(projects, managed...)
	}
	return projects, nil
}

func (s *Service) memberProjects(ctx context.Context, member string) ([]store.Project, error) {
	entries, err := s.store.ListProjectIndexByMember(ctx, member)
	if err != nil {
		return nil, err
	}
	projects := make([]store.Project, 0, len(entries))
	for _, entry := range entries {
		project, err := s.store.GetProject(ctx, entry.Partition, entry.ProjectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, nil
}

// UpdateProjectStatus sets a project's status explicitly.
func (s *Service) UpdateProjectStatus(ctx context.Context, session Session, projectID, status string) (store.Project, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !validProjectStatus(status) {
		return store.Project{}, validation("status must be one of created, running, done")
	}
	entry, err := s.authorizeProject(ctx, session, projectID)
	if err != nil {
		return store.Project{}, err
	}
	cards, err := s.store.ListCards(ctx, entry.ProjectID)
	if err != nil {
		return store.Project{}, err
	}
	percentage := projectPercentage(cards)
	project, err := s.updateProject(ctx, entry, store.ProjectUpdate{Status: &status, Percentage: &percentage})
	if err != nil {
		return store.Project{}, err
	}
	s.publish(ctx, project.ID, "projectStatusUpdated", project)
	return project, nil
}

func (s *Service) updateProject(ctx context.Context, entry store.ProjectIndexEntry, update store.ProjectUpdate) (store.Project, error) {
	project, err := s.store.UpdateProject(ctx, entry.Partition, entry.ProjectID, update)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Project{}, notFound("Project")
		}
		return store.Project{}, err
	}
	return project, nil
}

// refreshProject recomputes the project's percentage from its cards and
// moves its status along. It publishes projectStatusUpdated.
func (s *Service) refreshProject(ctx context.Context, entry store.ProjectIndexEntry) (store.Project, error) {
	cards, err := s.store.ListCards(ctx, entry.ProjectID)
	if err != nil {
		return store.Project{}, err
	}
	project, err := s.store.GetProject(ctx, entry.Partition, entry.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Project{}, notFound("Project")
		}
		return store.Project{}, err
	}

	percentage := projectPercentage(cards)
	current := project.Status
	if current == ProjectCreated {
		current = ProjectRunning
	}
	status := nextProjectStatus(current, percentage)

	project, err = s.updateProject(ctx, entry, store.ProjectUpdate{Status: &status, Percentage: &percentage})
	if err != nil {
		return store.Project{}, err
	}
	s.publish(ctx, project.ID, "projectStatusUpdated", project)
	return project, nil
}

// ListCards returns the project's cards. The first access moves a created
// project to running.
func (s *Service) ListCards(ctx context.Context, session Session, projectID string) ([]store.Card, error) {
	entry, err := s.authorizeProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	cards, err := s.store.ListCards(ctx, entry.ProjectID)
	if err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(ctx, entry.Partition, entry.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Status == ProjectCreated {
		running := ProjectRunning
		updated, err := s.updateProject(ctx, entry, store.ProjectUpdate{Status: &running})
		if err != nil {
			return nil, err
		}
		s.publish(ctx, updated.ID, "projectStatusUpdated", updated)
	}

	now := s.now()
	for i := range cards {
		cards[i].Locked = cardLocked(cards[i], now)
	}
	return cards, nil
}

type CardInput struct {
	ProjectID  string       `json:"projectId" validate:"required"`
	NameOfWork string       `json:"nameOfWork" validate:"max=200"`
	TeamMember string       `json:"teamMember" validate:"max=254"`
	StartDate  *time.Time   `json:"startDate"`
	EndDate    *time.Time   `json:"endDate"`
	WorkList   []store.Task `json:"workList" validate:"dive"`
	Locked     bool         `json:"locked"`
}

func (s *Service) CreateCard(ctx context.Context, session Session, input CardInput) (store.Card, error) {
	entry, err := s.authorizeProject(ctx, session, input.ProjectID)
	if err != nil {
		return store.Card{}, err
	}
	if input.StartDate != nil && input.EndDate != nil && input.EndDate.Before(*input.StartDate) {
		return store.Card{}, validation("endDate must not be before startDate")
	}
	workList := input.WorkList
	if workList == nil {
		workList = []store.Task{}
	}
	card := store.Card{
		ID:         util.NewID("card"),
		ProjectID:  entry.ProjectID,
		NameOfWork: strings.TrimSpace(input.NameOfWork),
		TeamMember: strings.TrimSpace(input.TeamMember),
		StartDate:  input.StartDate,
		EndDate:    input.EndDate,
		WorkList:   workList,
		Percentage: cardPercentage(workList),
		Locked:     input.Locked,
		CreatedBy:  session.Username,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.InsertCards(ctx, []store.Card{card}); err != nil {
		return store.Card{}, err
	}
	s.publish(ctx, entry.ProjectID, "cardCreated", card)
	if _, err := s.refreshProject(ctx, entry); err != nil {
		return store.Card{}, err
	}
	return card, nil
}

// CardUpdate changes the non-nil fields of a card.
type CardUpdate struct {
	NameOfWork *string       `json:"nameOfWork" validate:"omitempty,max=200"`
	TeamMember *string       `json:"teamMember" validate:"omitempty,max=254"`
	StartDate  *time.Time    `json:"startDate"`
	EndDate    *time.Time    `json:"endDate"`
	WorkList   *[]store.Task `json:"workList"`
	Locked     *bool         `json:"locked"`
}

// UpdateCard applies an edit to an unlocked card and recomputes the card and
// project percentages.
func (s *Service) UpdateCard(ctx context.Context, session Session, cardID string, update CardUpdate) (store.Card, store.Project, error) {
	card, err := s.card(ctx, cardID)
	if err != nil {
		return store.Card{}, store.Project{}, err
	}
	entry, err := s.authorizeProject(ctx, session, card.ProjectID)
	if err != nil {
		return store.Card{}, store.Project{}, err
	}
	if cardLocked(card, s.now()) {
		return store.Card{}, store.Project{}, conflict("CARD_LOCKED", "Card is locked")
	}

	if update.NameOfWork != nil {
		card.NameOfWork = strings.TrimSpace(*update.NameOfWork)
	}
	if update.TeamMember != nil {
		card.TeamMember = strings.TrimSpace(*update.TeamMember)
	}
	if update.StartDate != nil {
		card.StartDate = update.StartDate
	}
	if update.EndDate != nil {
		card.EndDate = update.EndDate
	}
	if update.WorkList != nil {
		card.WorkList = slices.Clone(*update.WorkList)
		if card.WorkList == nil {
			card.WorkList = []store.Task{}
		}
	}
	if update.Locked != nil {
		card.Locked = *update.Locked
	}
	if card.StartDate != nil && card.EndDate != nil && card.EndDate.Before(*card.StartDate) {
		return store.Card{}, store.Project{}, validation("endDate must not be before startDate")
	}
	card.Percentage = cardPercentage(card.WorkList)

	if err := s.store.ReplaceCard(ctx, card); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Card{}, store.Project{}, notFound("Card")
		}
		return store.Card{}, store.Project{}, err
	}
	project, err := s.refreshProject(ctx, entry)
	if err != nil {
		return store.Card{}, store.Project{}, err
	}
	s.publish(ctx, entry.ProjectID, "cardUpdated", card)
	return card, project, nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, cardID string) error {
	card, err := s.card(ctx, cardID)
	if err != nil {
		return err
	}
	entry, err := s.authorizeProject(ctx, session, card.ProjectID)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteCard(ctx, card.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Card")
		}
		return err
	}
	s.publish(ctx, entry.ProjectID, "cardDeleted", map[string]string{"cardId": card.ID})
	_, err = s.refreshProject(ctx, entry)
	return err
}

func (s *Service) card(ctx context.Context, cardID string) (store.Card, error) {
	card, err := s.store.GetCard(ctx, strings.TrimSpace(cardID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Card{}, notFound("Card")
		}
		return store.Card{}, err
	}
	return card, nil
}
