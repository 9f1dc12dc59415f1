package domain

import "errors"

// Sentinel errors shared by the task API client, publisher and consumer.
var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyPayload = errors.New("reminder payload is empty")
)
