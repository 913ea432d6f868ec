// Copyright 2025 James Ross
package task

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Type string

const (
	TypeFetchComments  Type = "fetch_comments"
	TypeProcessGroups  Type = "process_groups"
	TypeAnalyzePosts   Type = "analyze_posts"
)

// ErrorKind distinguishes failure classes surfaced to callers and logs.
// These are kinds, not Go error types: a plain error is wrapped with one via NewError.
type ErrorKind string

const (
	KindValidation        ErrorKind = "Validation"
	KindNotFound          ErrorKind = "NotFound"
	KindConflict          ErrorKind = "Conflict"
	KindRateLimited       ErrorKind = "RateLimited"
	KindUpstreamTransient ErrorKind = "UpstreamTransient"
	KindUpstreamPermanent ErrorKind = "UpstreamPermanent"
	KindUpstreamAuth      ErrorKind = "UpstreamAuth"
	KindStoreUnavailable  ErrorKind = "StoreUnavailable"
	KindQueueUnavailable  ErrorKind = "QueueUnavailable"
	KindCancelled         ErrorKind = "Cancelled"
	KindTimeout           ErrorKind = "Timeout"
	KindInternal          ErrorKind = "Internal"
)

// Error wraps an underlying cause with a classification kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the classification of err, or KindInternal if err does not
// carry one.
func KindOf(err error) ErrorKind {
	var e *Error
	if err == nil {
		return ""
	}
	if AsError(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func AsError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type GroupStatus string

const (
	GroupValid     GroupStatus = "valid"
	GroupInvalid   GroupStatus = "invalid"
	GroupDuplicate GroupStatus = "duplicate"
)

type Group struct {
	ID         string      `json:"id"`
	VKID       string      `json:"vkId"`
	Name       string      `json:"name"`
	Status     GroupStatus `json:"status"`
	TaskID     string      `json:"taskId"`
	UploadedAt time.Time   `json:"uploadedAt"`
}

type Post struct {
	VKPostID  int64     `json:"vkPostId"`
	OwnerID   int64     `json:"ownerId"`
	GroupVKID string    `json:"groupId"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
	Likes     int       `json:"likes"`
	TaskID    string    `json:"taskId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Comment struct {
	VKCommentID int64     `json:"vkCommentId"`
	PostVKID    int64     `json:"postVkId"`
	OwnerID     int64     `json:"ownerId"`
	AuthorID    int64     `json:"authorId"`
	AuthorName  string    `json:"authorName"`
	Text        string    `json:"text"`
	Date        time.Time `json:"date"`
	Likes       int       `json:"likes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Metrics struct {
	GroupsTotal       int `json:"groupsTotal"`
	GroupsProcessed   int `json:"groupsProcessed"`
	PostsTotal        int `json:"postsTotal"`
	PostsProcessed    int `json:"postsProcessed"`
	CommentsTotal     int `json:"commentsTotal"`
	CommentsProcessed int `json:"commentsProcessed"`
	Errors            int `json:"errors"`
}

// MetricsDelta is applied atomically by the Store; all fields are additive
// and must never drive a counter negative.
type MetricsDelta struct {
	GroupsTotal       int
	GroupsProcessed   int
	PostsTotal        int
	PostsProcessed    int
	CommentsTotal     int
	CommentsProcessed int
	Errors            int
}

type Task struct {
	ID            string     `json:"id"`
	Type          Type       `json:"type"`
	Status        Status     `json:"status"`
	Priority      int        `json:"priority"`
	Groups        []Group    `json:"groups"`
	Metrics       Metrics    `json:"metrics"`
	Parameters    []byte     `json:"-"`
	Result        []byte     `json:"-"`
	Error         string     `json:"error,omitempty"`
	ExecutionTime int64      `json:"executionTime,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CreateInput is what the Task Service passes to Store.CreateTask.
type CreateInput struct {
	Type       Type
	Priority   int
	Groups     []Group
	Parameters []byte
	CreatedBy  string
}

// IsTerminal reports whether status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions enumerates the legal status transition table from §4.5.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusFailed: true},
	StatusProcessing: {StatusProcessing: true, StatusCompleted: true, StatusFailed: true},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
