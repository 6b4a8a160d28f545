package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"crewboard/api/internal/auth"
	"crewboard/api/internal/chat"
	"crewboard/api/internal/config"
	"crewboard/api/internal/rbac"
	"crewboard/api/internal/store"
	"crewboard/api/internal/tenant"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordedEvent struct {
	projectID string
	eventType string
	payload   any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, projectID, eventType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{projectID: projectID, eventType: eventType, payload: payload})
	return nil
}

func (p *recordingPublisher) last(eventType string) (recordedEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].eventType == eventType {
			return p.events[i], true
		}
	}
	return recordedEvent{}, false
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		AdminIdentity: tenant.DefaultReservedAdmin,
	}
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	mem := store.NewMemoryStore()
	events := &recordingPublisher{}
	svc := New(testConfig(), zerolog.Nop(), mem, mem, events)
	svc.accounts.SetCost(bcrypt.MinCost)
	return svc, mem, events
}

func sessionFor(username string, role rbac.Role) Session {
	return Session{UserID: "usr_" + username, Username: username, Name: username, Role: string(role)}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr), "expected DomainError, got %v", err)
	assert.Equal(t, code, domainErr.Code)
}

func seedUser(t *testing.T, mem *store.MemoryStore, partition string, user store.User) {
	t.Helper()
	if user.ID == "" {
		user.ID = "usr_" + user.Username
	}
	require.NoError(t, mem.InsertUser(context.Background(), partition, user))
}

func createProject(t *testing.T, svc *Service, owner Session, members []string, cards int) store.Project {
	t.Helper()
	project, err := svc.CreateProject(context.Background(), owner, CreateProjectInput{
		Name:        "Launch",
		Description: "Ship it",
		TeamMembers: members,
		CardsNumber: cards,
	})
	require.NoError(t, err)
	return project
}

func TestResolvePartition(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	name, err := svc.ResolvePartition(ctx, tenant.DefaultReservedAdmin, tenant.KindProjects)
	require.NoError(t, err)
	assert.Equal(t, tenant.AdminProjects, name)

	name, err = svc.ResolvePartition(ctx, "pm1@x.com", tenant.KindUsers)
	require.NoError(t, err)
	assert.Equal(t, "pm_users_pm1_x_com", name)
}

func TestProjectCompletionScenario(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)

	project := createProject(t, svc, pm, []string{"t1@x.com", "t2@x.com"}, 3)
	assert.Equal(t, ProjectCreated, project.Status)
	assert.Equal(t, "pm1@x.com", project.CreatedBy)

	cards, err := svc.ListCards(ctx, pm, project.ID)
	require.NoError(t, err)
	require.Len(t, cards, 3)

	lists := [][]store.Task{
		{{Task: "design", Completed: true}, {Task: "build", Completed: true}},
		{{Task: "test", Completed: true}, {Task: "review", Completed: false}},
		{{Task: "deploy", Completed: false}, {Task: "announce", Completed: false}},
	}
	var updated store.Project
	for i, card := range cards {
		workList := lists[i]
		var c store.Card
		c, updated, err = svc.UpdateCard(ctx, pm, card.ID, CardUpdate{WorkList: &workList})
		require.NoError(t, err)
		assert.Equal(t, []int{100, 50, 0}[i], c.Percentage)
	}
	assert.Equal(t, 50, updated.Percentage)
	assert.Equal(t, ProjectRunning, updated.Status)

	projects, err := svc.ListProjects(ctx, pm)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, 50, projects[0].Percentage)
	assert.Equal(t, ProjectRunning, projects[0].Status)

	event, ok := events.last("projectStatusUpdated")
	require.True(t, ok)
	assert.Equal(t, project.ID, event.projectID)
}

func TestProjectStatusFollowsCompletion(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)
	project := createProject(t, svc, pm, []string{"t1@x.com"}, 1)

	cards, err := svc.ListCards(ctx, pm, project.ID)
	require.NoError(t, err)

	done := []store.Task{{Task: "only", Completed: true}}
	_, updated, err := svc.UpdateCard(ctx, pm, cards[0].ID, CardUpdate{WorkList: &done})
	require.NoError(t, err)
	assert.Equal(t, 100, updated.Percentage)
	assert.Equal(t, ProjectDone, updated.Status)

	open := []store.Task{{Task: "only", Completed: false}}
	_, updated, err = svc.UpdateCard(ctx, pm, cards[0].ID, CardUpdate{WorkList: &open})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Percentage)
	assert.Equal(t, ProjectRunning, updated.Status)
}

func TestListCardsStartsProject(t *testing.T) {
	svc, mem, events := newTestService(t)
	ctx := context.Background()
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)
	project := createProject(t, svc, pm, []string{"t1@x.com"}, 2)

	_, err := svc.ListCards(ctx, sessionFor("t1@x.com", rbac.RoleTeamMember), project.ID)
	require.NoError(t, err)

	stored, err := mem.GetProject(ctx, "pm_projects_pm1_x_com", project.ID)
	require.NoError(t, err)
	assert.Equal(t, ProjectRunning, stored.Status)
	_, ok := events.last("projectStatusUpdated")
	assert.True(t, ok)
}

func TestCreateProjectValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)

	_, err := svc.CreateProject(ctx, pm, CreateProjectInput{Name: "Empty", TeamMembers: []string{"  "}})
	requireCode(t, err, "VALIDATION_ERROR")

	_, err = svc.CreateProject(ctx, sessionFor("t1@x.com", rbac.RoleTeamMember), CreateProjectInput{Name: "Nope", TeamMembers: []string{"t2@x.com"}})
	requireCode(t, err, "FORBIDDEN")
}

func TestAdminProjectsLiveInAdminPartition(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	admin := sessionFor(tenant.DefaultReservedAdmin, rbac.RoleAdmin)

	project := createProject(t, svc, admin, []string{"t1@x.com"}, 0)
	entry, err := mem.GetProjectIndex(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.AdminProjects, entry.Partition)
}

func TestLockedCardRejectsEdits(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)
	project := createProject(t, svc, pm, []string{"t1@x.com"}, 0)

	locked, err := svc.CreateCard(ctx, pm, CardInput{ProjectID: project.ID, NameOfWork: "frozen", Locked: true})
	require.NoError(t, err)
	name := "thawed"
	_, _, err = svc.UpdateCard(ctx, pm, locked.ID, CardUpdate{NameOfWork: &name})
	requireCode(t, err, "CARD_LOCKED")

	past := time.Now().Add(-time.Hour)
	expired, err := svc.CreateCard(ctx, pm, CardInput{ProjectID: project.ID, NameOfWork: "late", EndDate: &past})
	require.NoError(t, err)
	_, _, err = svc.UpdateCard(ctx, pm, expired.ID, CardUpdate{NameOfWork: &name})
	requireCode(t, err, "CARD_LOCKED")

	cards, err := svc.ListCards(ctx, pm, project.ID)
	require.NoError(t, err)
	for _, card := range cards {
		assert.True(t, card.Locked, "card %s should report locked", card.NameOfWork)
	}
}

func TestDeleteCardRecomputesProject(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)
	project := createProject(t, svc, pm, []string{"t1@x.com"}, 0)

	_, err := svc.CreateCard(ctx, pm, CardInput{ProjectID: project.ID, WorkList: []store.Task{{Task: "a", Completed: true}}})
	require.NoError(t, err)
	open, err := svc.CreateCard(ctx, pm, CardInput{ProjectID: project.ID, WorkList: []store.Task{{Task: "b"}}})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCard(ctx, pm, open.ID))
	projects, err := svc.ListProjects(ctx, pm)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, 100, projects[0].Percentage)
	assert.Equal(t, ProjectDone, projects[0].Status)

	event, ok := events.last("cardDeleted")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"cardId": open.ID}, event.payload)

	err = svc.DeleteCard(ctx, pm, open.ID)
	requireCode(t, err, "NOT_FOUND")
}

func TestProjectAccess(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, tenant.GlobalUsers, store.User{Username: "boss@x.com", Role: string(rbac.RoleAdmin), CreatedBy: "boss@x.com", Name: "Boss"})
	seedUser(t, mem, tenant.GlobalUsers, store.User{Username: "pm1@x.com", Role: string(rbac.RoleProjectManager), CreatedBy: "boss@x.com", Name: "PM"})
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)
	project := createProject(t, svc, pm, []string{"t1@x.com"}, 1)

	_, err := svc.ListCards(ctx, sessionFor("boss@x.com", rbac.RoleAdmin), project.ID)
	assert.NoError(t, err)
	_, err = svc.ListCards(ctx, sessionFor(tenant.DefaultReservedAdmin, rbac.RoleAdmin), project.ID)
	assert.NoError(t, err)

	_, err = svc.ListCards(ctx, sessionFor("other@x.com", rbac.RoleAdmin), project.ID)
	requireCode(t, err, "FORBIDDEN")
	_, err = svc.ListCards(ctx, sessionFor("t9@x.com", rbac.RoleTeamMember), project.ID)
	requireCode(t, err, "FORBIDDEN")
	_, err = svc.ListCards(ctx, pm, "prj_missing")
	requireCode(t, err, "NOT_FOUND")
}

func TestRosterExcludesOverseeingAdmin(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, tenant.GlobalUsers, store.User{Username: "pm1@x.com", Role: string(rbac.RoleProjectManager), CreatedBy: "boss@x.com", Name: "PM"})
	project := createProject(t, svc, sessionFor("pm1@x.com", rbac.RoleProjectManager), []string{"a@x.com"}, 0)
	boss := sessionFor("boss@x.com", rbac.RoleAdmin)

	_, err := svc.authorizeProject(ctx, boss, project.ID)
	require.NoError(t, err)
	_, err = svc.authorizeRoster(ctx, boss, project.ID)
	requireCode(t, err, "FORBIDDEN")

	for _, member := range []string{tenant.DefaultReservedAdmin, "pm1@x.com", "a@x.com"} {
		_, err = svc.authorizeRoster(ctx, sessionFor(member, rbac.RoleTeamMember), project.ID)
		assert.NoError(t, err, member)
	}
	_, err = svc.authorizeRoster(ctx, sessionFor("a@x.com", rbac.RoleTeamMember), "prj_missing")
	requireCode(t, err, "NOT_FOUND")
}

func TestListProjectsByRole(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, tenant.GlobalUsers, store.User{Username: "pm1@x.com", Role: string(rbac.RoleProjectManager), CreatedBy: "boss@x.com", Name: "PM"})
	boss := sessionFor("boss@x.com", rbac.RoleAdmin)
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)

	own := createProject(t, svc, boss, []string{"t1@x.com"}, 0)
	managed := createProject(t, svc, pm, []string{"t2@x.com"}, 0)
	createProject(t, svc, sessionFor("pm2@x.com", rbac.RoleProjectManager), []string{"t1@x.com"}, 0)

	projects, err := svc.ListProjects(ctx, boss)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{own.ID, managed.ID}, projectIDs(projects))

	projects, err = svc.ListProjects(ctx, pm)
	require.NoError(t, err)
	assert.Equal(t, []string{managed.ID}, projectIDs(projects))

	projects, err = svc.ListProjects(ctx, sessionFor("t1@x.com", rbac.RoleTeamMember))
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func projectIDs(projects []store.Project) []string {
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestUpdateProjectStatus(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)
	project := createProject(t, svc, pm, []string{"t1@x.com"}, 0)

	updated, err := svc.UpdateProjectStatus(ctx, pm, project.ID, "Running")
	require.NoError(t, err)
	assert.Equal(t, ProjectRunning, updated.Status)

	event, ok := events.last("projectStatusUpdated")
	require.True(t, ok)
	assert.Equal(t, project.ID, event.projectID)

	_, err = svc.UpdateProjectStatus(ctx, pm, project.ID, "paused")
	requireCode(t, err, "VALIDATION_ERROR")
}

func chatFixture(t *testing.T) (*Service, *store.MemoryStore, *recordingPublisher, store.Project) {
	t.Helper()
	svc, mem, events := newTestService(t)
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)
	project := createProject(t, svc, pm, []string{"a@x.com", "b@x.com", "c@x.com"}, 0)
	return svc, mem, events, project
}

func TestPairwiseChatScenario(t *testing.T) {
	svc, mem, events, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)
	b := sessionFor("b@x.com", rbac.RoleTeamMember)
	c := sessionFor("c@x.com", rbac.RoleTeamMember)

	posted, err := svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", posted.Message)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, posted.Participants)
	assert.Equal(t, string(chat.StatusSent), posted.Status)

	stored, err := mem.GetMessage(ctx, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.PlaceholderEncrypted, stored.Message)
	assert.NotEmpty(t, stored.EncryptedMessage)

	event, ok := events.last("messageCreated")
	require.True(t, ok)
	broadcast := event.payload.(store.ChatMessage)
	assert.Equal(t, chat.PlaceholderEncrypted, broadcast.Message)
	assert.Empty(t, broadcast.EncryptedMessage)

	fromA, err := svc.FetchMessages(ctx, a, project.ID, "individual", "b@x.com")
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	assert.Equal(t, "hello", fromA[0].Message)
	assert.Empty(t, fromA[0].EncryptedMessage)
	assert.Equal(t, string(chat.StatusSent), fromA[0].Status, "the sender's own fetch does not deliver")

	fromB, err := svc.FetchMessages(ctx, b, project.ID, "individual", "a@x.com")
	require.NoError(t, err)
	require.Len(t, fromB, 1)
	assert.Equal(t, "hello", fromB[0].Message)
	assert.Equal(t, string(chat.StatusDelivered), fromB[0].Status)

	_, err = svc.GetMessage(ctx, c, posted.ID)
	requireCode(t, err, "FORBIDDEN")

	fromC, err := svc.FetchMessages(ctx, c, project.ID, "individual", "a@x.com")
	require.NoError(t, err)
	assert.Empty(t, fromC)

	_, err = svc.FetchMessages(ctx, sessionFor("z@x.com", rbac.RoleTeamMember), project.ID, "individual", "a@x.com")
	requireCode(t, err, "FORBIDDEN")
}

func TestGroupChatIsCleartext(t *testing.T) {
	svc, mem, _, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)

	posted, err := svc.PostMessage(ctx, a, project.ID, "group", "group", "standup at 10")
	require.NoError(t, err)
	assert.Equal(t, []string{tenant.DefaultReservedAdmin, "pm1@x.com", "a@x.com", "b@x.com", "c@x.com"}, posted.Participants)

	stored, err := mem.GetMessage(ctx, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, "standup at 10", stored.Message)
	assert.Empty(t, stored.EncryptedMessage)

	messages, err := svc.FetchMessages(ctx, sessionFor("pm1@x.com", rbac.RoleProjectManager), project.ID, "group", "group")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "standup at 10", messages[0].Message)
}

func TestSelfChatIsRejected(t *testing.T) {
	svc, _, _, project := chatFixture(t)
	_, err := svc.PostMessage(context.Background(), sessionFor("a@x.com", rbac.RoleTeamMember), project.ID, "individual", "a@x.com", "me")
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestPostMessageValidation(t *testing.T) {
	svc, _, _, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)

	_, err := svc.PostMessage(ctx, a, project.ID, "broadcast", "b@x.com", "hi")
	requireCode(t, err, "VALIDATION_ERROR")
	_, err = svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "   ")
	requireCode(t, err, "VALIDATION_ERROR")
	_, err = svc.PostMessage(ctx, a, project.ID, "individual", "stranger@x.com", "hi")
	requireCode(t, err, "VALIDATION_ERROR")
	_, err = svc.PostMessage(ctx, a, "prj_missing", "group", "group", "hi")
	requireCode(t, err, "NOT_FOUND")
}

func TestMessageStatusOnlyMovesForward(t *testing.T) {
	svc, _, _, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)
	b := sessionFor("b@x.com", rbac.RoleTeamMember)

	posted, err := svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "ping")
	require.NoError(t, err)

	msg, err := svc.SetMessageStatus(ctx, b, posted.ID, "read")
	require.NoError(t, err)
	assert.Equal(t, string(chat.StatusRead), msg.Status)
	assert.Equal(t, "ping", msg.Message)

	for _, status := range []string{"sent", "delivered", "read"} {
		msg, err = svc.SetMessageStatus(ctx, b, posted.ID, status)
		require.NoError(t, err)
		assert.Equal(t, string(chat.StatusRead), msg.Status, "setting %s must not regress", status)
	}

	_, err = svc.FetchMessages(ctx, b, project.ID, "individual", "a@x.com")
	require.NoError(t, err)
	got, err := svc.GetMessage(ctx, a, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, string(chat.StatusRead), got.Status)

	_, err = svc.SetMessageStatus(ctx, b, posted.ID, "seen")
	requireCode(t, err, "VALIDATION_ERROR")
	_, err = svc.SetMessageStatus(ctx, sessionFor("c@x.com", rbac.RoleTeamMember), posted.ID, "read")
	requireCode(t, err, "FORBIDDEN")
	_, err = svc.SetMessageStatus(ctx, b, "msg_missing", "read")
	requireCode(t, err, "NOT_FOUND")
}

func TestConcurrentDeliveryIsIdempotent(t *testing.T) {
	svc, mem, _, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)

	posted, err := svc.PostMessage(ctx, a, project.ID, "group", "group", "all hands")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, reader := range []string{"b@x.com", "c@x.com", "pm1@x.com"} {
		wg.Add(1)
		go func(reader string) {
			defer wg.Done()
			_, err := svc.FetchMessages(ctx, sessionFor(reader, rbac.RoleTeamMember), project.ID, "group", "group")
			assert.NoError(t, err)
		}(reader)
	}
	_, err = svc.SetMessageStatus(ctx, sessionFor("b@x.com", rbac.RoleTeamMember), posted.ID, "read")
	require.NoError(t, err)
	wg.Wait()

	stored, err := mem.GetMessage(ctx, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, string(chat.StatusRead), stored.Status)
}

func TestSoftDeletedMessages(t *testing.T) {
	svc, _, events, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)
	b := sessionFor("b@x.com", rbac.RoleTeamMember)

	keep, err := svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "keep")
	require.NoError(t, err)
	drop, err := svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "drop")
	require.NoError(t, err)

	requireCode(t, svc.DeleteMessage(ctx, b, drop.ID), "FORBIDDEN")
	require.NoError(t, svc.DeleteMessage(ctx, a, drop.ID))
	require.NoError(t, svc.DeleteMessage(ctx, a, drop.ID))

	messages, err := svc.FetchMessages(ctx, b, project.ID, "individual", "a@x.com")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, keep.ID, messages[0].ID)

	got, err := svc.GetMessage(ctx, b, drop.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, "drop", got.Message)

	_, err = svc.EditMessage(ctx, a, drop.ID, "undo")
	requireCode(t, err, "NOT_FOUND")

	event, ok := events.last("messageDeleted")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"messageId": drop.ID}, event.payload)
}

func TestEditMessageReseals(t *testing.T) {
	svc, mem, _, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)
	b := sessionFor("b@x.com", rbac.RoleTeamMember)

	posted, err := svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "draft")
	require.NoError(t, err)
	before, err := mem.GetMessage(ctx, posted.ID)
	require.NoError(t, err)

	_, err = svc.EditMessage(ctx, b, posted.ID, "hijack")
	requireCode(t, err, "FORBIDDEN")

	edited, err := svc.EditMessage(ctx, a, posted.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Message)
	require.NotNil(t, edited.EditedAt)

	after, err := mem.GetMessage(ctx, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.PlaceholderEncrypted, after.Message)
	assert.NotEqual(t, before.EncryptedMessage, after.EncryptedMessage)

	got, err := svc.GetMessage(ctx, b, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Message)

	group, err := svc.PostMessage(ctx, a, project.ID, "group", "group", "typo")
	require.NoError(t, err)
	_, err = svc.EditMessage(ctx, a, group.ID, "fixed")
	require.NoError(t, err)
	stored, err := mem.GetMessage(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixed", stored.Message)
	assert.Empty(t, stored.EncryptedMessage)
}

func TestCorruptEnvelopeBecomesPlaceholder(t *testing.T) {
	svc, mem, _, project := chatFixture(t)
	ctx := context.Background()
	a := sessionFor("a@x.com", rbac.RoleTeamMember)

	posted, err := svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "secret")
	require.NoError(t, err)
	healthy, err := svc.PostMessage(ctx, a, project.ID, "individual", "b@x.com", "still fine")
	require.NoError(t, err)
	require.NoError(t, mem.UpdateMessageBody(ctx, posted.ID, chat.PlaceholderEncrypted, "00:zz", time.Now()))

	messages, err := svc.FetchMessages(ctx, a, project.ID, "individual", "b@x.com")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, chat.PlaceholderDecryptionError, messages[0].Message)
	assert.Equal(t, healthy.ID, messages[1].ID)
	assert.Equal(t, "still fine", messages[1].Message)
}

func TestChatList(t *testing.T) {
	svc, mem, _, project := chatFixture(t)
	seedUser(t, mem, "pm_users_pm1_x_com", store.User{Username: "b@x.com", Name: "Bea", Role: string(rbac.RoleTeamMember), CreatedBy: "pm1@x.com"})

	list, err := svc.ChatList(context.Background(), sessionFor("a@x.com", rbac.RoleTeamMember), project.ID)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "group", list[0].ID)
	assert.Len(t, list[0].Participants, 5)

	names := map[string]string{}
	for _, entry := range list[1:] {
		assert.Equal(t, "individual", entry.Type)
		pair := []string{"a@x.com", entry.ID}
		slices.Sort(pair)
		assert.Equal(t, pair, entry.Participants, "chat with %s", entry.ID)
		names[entry.ID] = entry.Name
	}
	assert.Equal(t, map[string]string{
		tenant.DefaultReservedAdmin: "Admin",
		"pm1@x.com":                 "pm1@x.com",
		"b@x.com":                   "Bea",
		"c@x.com":                   "c@x.com",
	}, names)

	_, err = svc.ChatList(context.Background(), sessionFor("z@x.com", rbac.RoleTeamMember), project.ID)
	requireCode(t, err, "FORBIDDEN")
}

func TestCreateUserRouting(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	boss := sessionFor("boss@x.com", rbac.RoleAdmin)
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)

	manager, err := svc.CreateUser(ctx, boss, CreateUserInput{Email: "pm1@x.com", Name: "PM", Password: "password123", Role: "Project Manager"})
	require.NoError(t, err)
	assert.Equal(t, "boss@x.com", manager.CreatedBy)
	entry, err := mem.GetUserIndex(ctx, "pm1@x.com")
	require.NoError(t, err)
	assert.Equal(t, tenant.GlobalUsers, entry.Partition)

	_, err = svc.CreateUser(ctx, pm, CreateUserInput{Email: "t1@x.com", Name: "Tess", Password: "password123", Role: "Team Member"})
	require.NoError(t, err)
	entry, err = mem.GetUserIndex(ctx, "t1@x.com")
	require.NoError(t, err)
	assert.Equal(t, "pm_users_pm1_x_com", entry.Partition)

	_, err = svc.CreateUser(ctx, pm, CreateUserInput{Email: "pm2@x.com", Name: "Other", Password: "password123", Role: "Project Manager"})
	requireCode(t, err, "FORBIDDEN")
	_, err = svc.CreateUser(ctx, boss, CreateUserInput{Email: "t1@x.com", Name: "Dup", Password: "password123", Role: "Team Member"})
	requireCode(t, err, "EMAIL_TAKEN")
	_, err = svc.CreateUser(ctx, boss, CreateUserInput{Email: "x@x.com", Name: "X", Password: "password123", Role: "Owner"})
	requireCode(t, err, "VALIDATION_ERROR")
	_, err = svc.CreateUser(ctx, boss, CreateUserInput{Email: tenant.DefaultReservedAdmin, Name: "X", Password: "password123", Role: "Team Member"})
	requireCode(t, err, "EMAIL_TAKEN")
}

func TestListAndDeleteUsers(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	boss := sessionFor("boss@x.com", rbac.RoleAdmin)
	pm := sessionFor("pm1@x.com", rbac.RoleProjectManager)

	manager, err := svc.CreateUser(ctx, boss, CreateUserInput{Email: "pm1@x.com", Name: "PM", Password: "password123", Role: "Project Manager"})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, boss, CreateUserInput{Email: "t0@x.com", Name: "Direct", Password: "password123", Role: "Team Member"})
	require.NoError(t, err)
	member, err := svc.CreateUser(ctx, pm, CreateUserInput{Email: "t1@x.com", Name: "Tess", Password: "password123", Role: "Team Member"})
	require.NoError(t, err)
	project := createProject(t, svc, pm, []string{"t1@x.com"}, 1)

	users, err := svc.ListUsers(ctx, boss, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pm1@x.com", "t0@x.com", "t1@x.com"}, usernames(users))

	users, err = svc.ListUsers(ctx, boss, "pm1@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1@x.com"}, usernames(users))

	users, err = svc.ListUsers(ctx, pm, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1@x.com"}, usernames(users))

	_, err = svc.ListUsers(ctx, pm, "boss@x.com")
	requireCode(t, err, "FORBIDDEN")
	_, err = svc.ListUsers(ctx, sessionFor("t1@x.com", rbac.RoleTeamMember), "")
	requireCode(t, err, "FORBIDDEN")

	requireCode(t, svc.DeleteUser(ctx, pm, member.ID), "FORBIDDEN")
	requireCode(t, svc.DeleteUser(ctx, sessionFor("other@x.com", rbac.RoleAdmin), manager.ID), "FORBIDDEN")

	require.NoError(t, svc.DeleteUser(ctx, boss, manager.ID))
	_, err = mem.GetUserIndex(ctx, "pm1@x.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.GetUserIndex(ctx, "t1@x.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.ListCards(ctx, boss, project.ID)
	requireCode(t, err, "NOT_FOUND")

	requireCode(t, svc.DeleteUser(ctx, boss, "usr_missing"), "NOT_FOUND")
}

func usernames(users []store.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Name: "Boss", Email: "boss@x.com", Password: "password123"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{Name: "Boss", Email: "boss@x.com", Password: "password123"})
	requireCode(t, err, "EMAIL_TAKEN")

	_, err = svc.Login(ctx, "boss@x.com", "wrong-password")
	requireCode(t, err, "INVALID_CREDENTIALS")

	session, err := svc.Login(ctx, "boss@x.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, string(rbac.RoleAdmin), session.Role)

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "boss@x.com", parsed.Username)
	assert.Equal(t, "Boss", parsed.Name)

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)
	_, err = svc.Refresh(ctx, session.RefreshToken)
	requireCode(t, err, "UNAUTHORIZED")

	require.NoError(t, svc.Logout(ctx, parsed, rotated.RefreshToken))
	_, err = svc.SessionFromToken(ctx, session.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	requireCode(t, err, "UNAUTHORIZED")
}

func TestReservedAdminLogin(t *testing.T) {
	mem := store.NewMemoryStore()
	hash, err := bcrypt.GenerateFromPassword([]byte("12345678"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.AdminPasswordHash = string(hash)
	svc := New(cfg, zerolog.Nop(), mem, mem, nil)

	session, err := svc.Login(context.Background(), tenant.DefaultReservedAdmin, "12345678")
	require.NoError(t, err)
	assert.Equal(t, string(rbac.RoleAdmin), session.Role)

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Equal(t, tenant.DefaultReservedAdmin, parsed.Username)
}

func TestDeletedAccountTokenIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	boss := sessionFor("boss@x.com", rbac.RoleAdmin)

	_, err := svc.CreateUser(ctx, boss, CreateUserInput{Email: "t0@x.com", Name: "T", Password: "password123", Role: "Team Member"})
	require.NoError(t, err)
	session, err := svc.Login(ctx, "t0@x.com", "password123")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteUser(ctx, boss, session.UserID))
	_, err = svc.SessionFromToken(ctx, session.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
