package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is a task as returned by GET /tasks on the task API. The worker does
// not own tasks; they are fetched fresh on every poll cycle.
type Task struct {
	ID          int               `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	DueDate     Timestamp         `json:"dueDate"`
	Priority    int               `json:"priority"`
	UserID      int               `json:"userId"`
	Tags        []json.RawMessage `json:"tags"`
}

// User is a user as returned by GET /users/{id}.
type User struct {
	ID        int    `json:"id"`
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	Telephone string `json:"telephone"`
}

// ReminderEvent is the message placed on the reminder queue. Field names are
// part of the wire contract shared with other consumers of the queue.
type ReminderEvent struct {
	TaskID       int       `json:"TaskId"`
	Title        string    `json:"Title"`
	DueDate      Timestamp `json:"DueDate"`
	UserID       int       `json:"UserId"`
	UserFullName string    `json:"UserFullName"`
	Timestamp    Timestamp `json:"Timestamp"`
}

// NewReminderEvent builds the event for task addressed to userFullName,
// stamped with publishedAt.
func NewReminderEvent(task Task, userFullName string, publishedAt time.Time) ReminderEvent {
	return ReminderEvent{
		TaskID:       task.ID,
		Title:        task.Title,
		DueDate:      NewTimestamp(task.DueDate.Time),
		UserID:       task.UserID,
		UserFullName: userFullName,
		Timestamp:    NewTimestamp(publishedAt),
	}
}

// Message is the human-readable alert delivered for the event.
func (e ReminderEvent) Message() string {
	return fmt.Sprintf("Hi %s your Task is due %s (Task ID: %d)", e.UserFullName, e.Title, e.TaskID)
}

// DecodeReminderEvent parses a queue payload. Field names match
// case-insensitively. Only an empty body or malformed JSON is an error; a
// well-formed payload with missing fields decodes to zero values.
func DecodeReminderEvent(body []byte) (ReminderEvent, error) {
	if len(body) == 0 {
		return ReminderEvent{}, ErrEmptyPayload
	}
	var e ReminderEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return ReminderEvent{}, fmt.Errorf("decode reminder event: %w", err)
	}
	return e, nil
}
