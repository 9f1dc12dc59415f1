package domain

import "time"

// UTCDate truncates t to midnight of its UTC calendar date.
func UTCDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsOverdue reports whether a task due at due is overdue at now. Only UTC
// calendar dates are compared, and a task due today counts as overdue.
func IsOverdue(due, now time.Time) bool {
	return !UTCDate(due).After(UTCDate(now))
}

// FilterOverdue returns the tasks in tasks that are overdue at now,
// preserving their order. Tasks without a due date are never overdue.
func FilterOverdue(tasks []Task, now time.Time) []Task {
	var overdue []Task
	for _, t := range tasks {
		if t.DueDate.IsZero() {
			continue
		}
		if IsOverdue(t.DueDate.Time, now) {
			overdue = append(overdue, t)
		}
	}
	return overdue
}
