package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert collides with an existing key.
var ErrDuplicate = errors.New("store: duplicate key")

type User struct {
	ID           string    `bson:"_id" json:"id"`
	Username     string    `bson:"username" json:"username"`
	PasswordHash string    `bson:"password" json:"-"`
	Role         string    `bson:"role" json:"role"`
	CreatedBy    string    `bson:"createdBy" json:"createdBy"`
	Name         string    `bson:"name" json:"name"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

type UserFilter struct {
	Role      string
	CreatedBy string
}

func (f UserFilter) Match(u User) bool {
	return (f.Role == "" || u.Role == f.Role) && (f.CreatedBy == "" || u.CreatedBy == f.CreatedBy)
}

// UserIndexEntry locates a user's partition by identity.
type UserIndexEntry struct {
	Username  string `bson:"_id" json:"username"`
	UserID    string `bson:"userId" json:"userId"`
	Partition string `bson:"partition" json:"partition"`
	Role      string `bson:"role" json:"role"`
	Name      string `bson:"name" json:"name"`
}

type Project struct {
	ID          string    `bson:"_id" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Description string    `bson:"description" json:"description"`
	CreatedBy   string    `bson:"createdBy" json:"createdBy"`
	TeamMembers []string  `bson:"teamMembers" json:"teamMembers"`
	CardsNumber int       `bson:"cardsNumber" json:"cardsNumber"`
	Status      string    `bson:"status" json:"status"`
	Percentage  int       `bson:"percentage" json:"percentage"`
	CreatedAt   time.Time `bson:"createdAt" json:"createdAt"`
}

// ProjectUpdate sets the non-nil fields.
type ProjectUpdate struct {
	Status     *string
	Percentage *int
}

// ProjectIndexEntry locates a project's partition by id and carries the
// membership needed to resolve chat participants without a second read.
type ProjectIndexEntry struct {
	ProjectID   string   `bson:"_id" json:"projectId"`
	Partition   string   `bson:"partition" json:"partition"`
	CreatedBy   string   `bson:"createdBy" json:"createdBy"`
	TeamMembers []string `bson:"teamMembers" json:"teamMembers"`
}

type Task struct {
	Task      string `bson:"task" json:"task"`
	Completed bool   `bson:"completed" json:"completed"`
}

type Card struct {
	ID         string     `bson:"_id" json:"id"`
	ProjectID  string     `bson:"projectId" json:"projectId"`
	NameOfWork string     `bson:"nameOfWork" json:"nameOfWork"`
	TeamMember string     `bson:"teamMember" json:"teamMember"`
	StartDate  *time.Time `bson:"startDate,omitempty" json:"startDate"`
	EndDate    *time.Time `bson:"endDate,omitempty" json:"endDate"`
	WorkList   []Task     `bson:"workList" json:"workList"`
	Percentage int        `bson:"percentage" json:"percentage"`
	Locked     bool       `bson:"locked" json:"locked"`
	CreatedBy  string     `bson:"createdBy" json:"createdBy"`
	CreatedAt  time.Time  `bson:"createdAt" json:"createdAt"`
}

type ChatMessage struct {
	ID               string     `bson:"_id" json:"id"`
	ProjectID        string     `bson:"projectId" json:"projectId"`
	ChatType         string     `bson:"chatType" json:"chatType"`
	Participants     []string   `bson:"participants" json:"participants"`
	Sender           string     `bson:"sender" json:"sender"`
	Message          string     `bson:"message" json:"message"`
	EncryptedMessage string     `bson:"encryptedMessage,omitempty" json:"encryptedMessage,omitempty"`
	Status           string     `bson:"status" json:"status"`
	IsDeleted        bool       `bson:"isDeleted" json:"isDeleted"`
	EditedAt         *time.Time `bson:"editedAt,omitempty" json:"editedAt,omitempty"`
	Timestamp        time.Time  `bson:"timestamp" json:"timestamp"`
}

// MessageQuery selects the visible messages of one chat. A nil Participants
// matches any participant set.
type MessageQuery struct {
	ProjectID    string
	ChatType     string
	Participants []string
}

// SessionUser is the identity stored against a refresh token.
type SessionUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}
