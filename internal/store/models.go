package store

import (
	"time"
)

// User is a minimal identity row.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// APIKey binds a key string to a user. A nil UserID marks a legacy key
// resolved to the administrator account.
type APIKey struct {
	Key        string
	UserID     *string
	Active     bool
	ExpiresAt  *time.Time
	UsageCount int64
	CreatedAt  time.Time
}

// Knowledge is a user-authored knowledge entry. The full content lives in
// the vector store payload; the row keeps searchable metadata and a preview.
type Knowledge struct {
	ID             string
	Title          string
	Category       string
	Summary        string
	Keywords       []string
	TechStack      []string
	ContentPreview string
	OwnerID        string
	IsPublic       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Group is a named collection of knowledge entries.
type Group struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	IsPublic    bool
	CreatedAt   time.Time
}

// Version is an append-only full-content snapshot of a knowledge entry.
type Version struct {
	ID         int64
	EntryID    string
	Version    int
	Content    string
	Metadata   map[string]any
	ChangeType string
	Actor      string
	Reason     string
	CreatedAt  time.Time
}

// Version change kinds.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task is the persisted view of a queued knowledge-ingestion task.
type Task struct {
	ID        string
	Status    string
	Title     string
	Category  string
	OwnerID   string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageLog is one append-only request audit row.
type UsageLog struct {
	Model          string
	Provider       string
	UserID         string
	RequestKind    string
	Question       string
	AnswerPreview  string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	CostEstimate   float64
	RetrievalMs    int64
	LLMMs          int64
	RetrievalCount int
	Reranked       bool
	Success        bool
	Error          string
	ClientIP       string
	UserAgent      string
}

// IndexState records what the incremental indexer last saw for a file.
type IndexState struct {
	FilePath    string
	ContentHash string
	MTime       time.Time
	IndexedAt   time.Time
	PointIDs    []string
}
