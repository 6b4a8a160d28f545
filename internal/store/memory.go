package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"crewboard/api/internal/tenant"
)

// MemoryStore keeps every collection in process memory. It backs local
// development and tests and mirrors the semantics of MongoStore.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions *tenant.Registry[*memPartition]

	userIndex    map[string]UserIndexEntry
	projectIndex map[string]ProjectIndexEntry
	cards        *table[Card]
	messages     *table[ChatMessage]

	refresh map[string]memRefresh
	revoked map[string]time.Time
	now     func() time.Time
}

type memPartition struct {
	users    *table[User]
	projects *table[Project]
}

type memRefresh struct {
	user      SessionUser
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: tenant.NewRegistry(func(context.Context, string) (*memPartition, error) {
			return &memPartition{users: newTable[User](), projects: newTable[Project]()}, nil
		}),
		userIndex:    make(map[string]UserIndexEntry),
		projectIndex: make(map[string]ProjectIndexEntry),
		cards:        newTable[Card](),
		messages:     newTable[ChatMessage](),
		refresh:      make(map[string]memRefresh),
		revoked:      make(map[string]time.Time),
		now:          time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) EnsurePartition(ctx context.Context, name string) error {
	_, err := s.partitions.Open(ctx, name)
	return err
}

func (s *MemoryStore) partition(ctx context.Context, name string) (*memPartition, error) {
	return s.partitions.Open(ctx, name)
}

func (s *MemoryStore) DropPartition(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions.Forget(name)
	for id, entry := range s.projectIndex {
		if entry.Partition == name {
			delete(s.projectIndex, id)
		}
	}
	for username, entry := range s.userIndex {
		if entry.Partition == name {
			delete(s.userIndex, username)
		}
	}
	return nil
}

func (s *MemoryStore) InsertUser(ctx context.Context, partition string, user User) error {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.userIndex[user.Username]; exists {
		return ErrDuplicate
	}
	p.users.put(user.ID, user)
	s.userIndex[user.Username] = UserIndexEntry{
		Username:  user.Username,
		UserID:    user.ID,
		Partition: partition,
		Role:      user.Role,
		Name:      user.Name,
	}
	return nil
}

func (s *MemoryStore) GetUserIndex(_ context.Context, username string) (UserIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.userIndex[username]
	if !ok {
		return UserIndexEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) LookupUser(ctx context.Context, username string) (User, error) {
	entry, err := s.GetUserIndex(ctx, username)
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, entry.Partition, entry.UserID)
}

func (s *MemoryStore) GetUser(ctx context.Context, partition, id string) (User, error) {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := p.users.get(id)
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, partition string, filter UserFilter) ([]User, error) {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return p.users.list(filter.Match), nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, partition, id string) error {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := p.users.get(id)
	if !ok {
		return ErrNotFound
	}
	p.users.delete(id)
	if entry, ok := s.userIndex[user.Username]; ok && entry.UserID == id {
		delete(s.userIndex, user.Username)
	}
	return nil
}

func (s *MemoryStore) InsertProject(ctx context.Context, partition string, project Project) error {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projectIndex[project.ID]; exists {
		return ErrDuplicate
	}
	project.TeamMembers = slices.Clone(project.TeamMembers)
	p.projects.put(project.ID, project)
	s.projectIndex[project.ID] = ProjectIndexEntry{
		ProjectID:   project.ID,
		Partition:   partition,
		CreatedBy:   project.CreatedBy,
		TeamMembers: slices.Clone(project.TeamMembers),
	}
	return nil
}

func (s *MemoryStore) GetProjectIndex(_ context.Context, projectID string) (ProjectIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.projectIndex[projectID]
	if !ok {
		return ProjectIndexEntry{}, ErrNotFound
	}
	entry.TeamMembers = slices.Clone(entry.TeamMembers)
	return entry, nil
}

func (s *MemoryStore) ListProjectIndexByMember(_ context.Context, member string) ([]ProjectIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ProjectIndexEntry
	for _, entry := range s.projectIndex {
		if slices.Contains(entry.TeamMembers, member) {
			entry.TeamMembers = slices.Clone(entry.TeamMembers)
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (s *MemoryStore) GetProject(ctx context.Context, partition, id string) (Project, error) {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return Project{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := p.projects.get(id)
	if !ok {
		return Project{}, ErrNotFound
	}
	project.TeamMembers = slices.Clone(project.TeamMembers)
	return project, nil
}

func (s *MemoryStore) ListProjects(ctx context.Context, partition string) ([]Project, error) {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := p.projects.list(nil)
	for i := range projects {
		projects[i].TeamMembers = slices.Clone(projects[i].TeamMembers)
	}
	return projects, nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, partition, id string, update ProjectUpdate) (Project, error) {
	p, err := s.partition(ctx, partition)
	if err != nil {
		return Project{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := p.projects.get(id)
	if !ok {
		return Project{}, ErrNotFound
	}
	if update.Status != nil {
		project.Status = *update.Status
	}
	if update.Percentage != nil {
		project.Percentage = *update.Percentage
	}
	p.projects.put(id, project)
	project.TeamMembers = slices.Clone(project.TeamMembers)
	return project, nil
}

func (s *MemoryStore) InsertCards(_ context.Context, cards []Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, card := range cards {
		if _, exists := s.cards.get(card.ID); exists {
			return ErrDuplicate
		}
	}
	for _, card := range cards {
		card.WorkList = slices.Clone(card.WorkList)
		s.cards.put(card.ID, card)
	}
	return nil
}

func (s *MemoryStore) GetCard(_ context.Context, id string) (Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards.get(id)
	if !ok {
		return Card{}, ErrNotFound
	}
	card.WorkList = slices.Clone(card.WorkList)
	return card, nil
}

func (s *MemoryStore) ListCards(_ context.Context, projectID string) ([]Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cards := s.cards.list(func(c Card) bool { return c.ProjectID == projectID })
	for i := range cards {
		cards[i].WorkList = slices.Clone(cards[i].WorkList)
	}
	return cards, nil
}

func (s *MemoryStore) ReplaceCard(_ context.Context, card Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards.get(card.ID); !ok {
		return ErrNotFound
	}
	card.WorkList = slices.Clone(card.WorkList)
	s.cards.put(card.ID, card)
	return nil
}

func (s *MemoryStore) DeleteCard(_ context.Context, id string) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards.get(id)
	if !ok {
		return Card{}, ErrNotFound
	}
	s.cards.delete(id)
	return card, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages.get(msg.ID); exists {
		return ErrDuplicate
	}
	msg.Participants = slices.Clone(msg.Participants)
	s.messages.put(msg.ID, msg)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages.get(id)
	if !ok {
		return ChatMessage{}, ErrNotFound
	}
	msg.Participants = slices.Clone(msg.Participants)
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, query MessageQuery) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := s.messages.list(func(m ChatMessage) bool {
		if m.IsDeleted || m.ProjectID != query.ProjectID || m.ChatType != query.ChatType {
			return false
		}
		return query.Participants == nil || slices.Equal(m.Participants, query.Participants)
	})
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	for i := range messages {
		messages[i].Participants = slices.Clone(messages[i].Participants)
	}
	return messages, nil
}

func (s *MemoryStore) AdvanceMessageStatus(_ context.Context, id, status string, from []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages.get(id)
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, msg.Status) {
		return false, nil
	}
	msg.Status = status
	s.messages.put(id, msg)
	return true, nil
}

func (s *MemoryStore) MarkMessageDeleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages.get(id)
	if !ok {
		return ErrNotFound
	}
	msg.IsDeleted = true
	s.messages.put(id, msg)
	return nil
}

func (s *MemoryStore) UpdateMessageBody(_ context.Context, id, message, envelope string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages.get(id)
	if !ok {
		return ErrNotFound
	}
	msg.Message = message
	msg.EncryptedMessage = envelope
	msg.EditedAt = &editedAt
	s.messages.put(id, msg)
	return nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash string, user SessionUser, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = memRefresh{user: user, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (SessionUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.refresh[tokenHash]
	if !ok || !s.now().Before(record.expiresAt) {
		return SessionUser{}, ErrNotFound
	}
	return record.user, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, tokenHash)
	return nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = expiresAt
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiresAt, ok := s.revoked[jti]
	return ok && s.now().Before(expiresAt), nil
}

// table is an insertion-ordered map.
type table[T any] struct {
	seq  int64
	rows map[string]tableRow[T]
}

type tableRow[T any] struct {
	seq   int64
	value T
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]tableRow[T])}
}

func (t *table[T]) put(id string, value T) {
	if row, ok := t.rows[id]; ok {
		row.value = value
		t.rows[id] = row
		return
	}
	t.seq++
	t.rows[id] = tableRow[T]{seq: t.seq, value: value}
}

func (t *table[T]) get(id string) (T, bool) {
	row, ok := t.rows[id]
	return row.value, ok
}

func (t *table[T]) delete(id string) {
	delete(t.rows, id)
}

func (t *table[T]) list(match func(T) bool) []T {
	rows := make([]tableRow[T], 0, len(t.rows))
	for _, row := range t.rows {
		if match == nil || match(row.value) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]T, len(rows))
	for i, row := range rows {
		out[i] = row.value
	}
	return out
}
