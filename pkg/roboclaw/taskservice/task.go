// Package taskservice integrates the OAuth2-protected task management
// service: the REST data model, the HTTP client, the tool registry the
// sub-agent calls through, the sub-agent itself, and the proactive
// due-task poller.
package taskservice

import (
	"sort"
	"strings"
	"time"
)

// Task status values on the wire.
const (
	StatusActive    = 0
	StatusCompleted = 2
)

// Task priority levels on the wire.
const (
	PriorityNone   = 0
	PriorityLow    = 1
	PriorityMedium = 3
	PriorityHigh   = 5
)

// Task is one task as the service returns it. JSON tags follow the
// service's camelCase wire format. ProjectName is not part of the wire
// format; the aggregate listing injects it so downstream consumers can
// name the project without a second lookup.
type Task struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"projectId"`
	ProjectName   string   `json:"projectName,omitempty"`
	Title         string   `json:"title"`
	Content       string   `json:"content,omitempty"`
	Desc          string   `json:"desc,omitempty"`
	StartDate     string   `json:"startDate,omitempty"`
	DueDate       string   `json:"dueDate,omitempty"`
	TimeZone      string   `json:"timeZone,omitempty"`
	IsAllDay      bool     `json:"isAllDay,omitempty"`
	RepeatFlag    string   `json:"repeatFlag,omitempty"`
	Priority      int      `json:"priority"`
	Status        int      `json:"status"`
	Tags          []string `json:"tags,omitempty"`
	CompletedTime string   `json:"completedTime,omitempty"`
	SortOrder     int64    `json:"sortOrder,omitempty"`
}

// Project is one project (list) the service knows about.
type Project struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	Closed   bool   `json:"closed,omitempty"`
	ViewMode string `json:"viewMode,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Column is one kanban column inside a project.
type Column struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
}

// ProjectData is a project together with its tasks and columns, as the
// /project/{id}/data endpoint returns it.
type ProjectData struct {
	Project Project  `json:"project"`
	Tasks   []Task   `json:"tasks"`
	Columns []Column `json:"columns,omitempty"`
}

// serviceTimeLayouts covers the timestamp shapes the service emits:
// millisecond zone-suffixed, second zone-suffixed, RFC3339, and the bare
// date forms used for all-day tasks.
var serviceTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseServiceTime parses a service timestamp, trying each known layout.
func ParseServiceTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range serviceTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatServiceTime renders a timestamp the way the service expects on
// writes: second precision with a colonless zone offset.
func FormatServiceTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05-0700")
}

// Due returns the parsed due date, when the task has one.
func (t *Task) Due() (time.Time, bool) {
	return ParseServiceTime(t.DueDate)
}

// IsOverdue reports whether the task is past its due date and still active.
// Tasks without a due date are never overdue.
func (t *Task) IsOverdue(now time.Time) bool {
	if t.Status == StatusCompleted {
		return false
	}
	due, ok := t.Due()
	if !ok {
		return false
	}
	return now.After(due)
}

// IsDueToday reports whether the task's due date falls on now's calendar
// day in now's location.
func (t *Task) IsDueToday(now time.Time) bool {
	due, ok := t.Due()
	if !ok {
		return false
	}
	due = due.In(now.Location())
	y1, m1, d1 := due.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// PriorityLabel names the task's priority level.
func (t *Task) PriorityLabel() string {
	switch t.Priority {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "none"
	}
}

// StatusLabel names the task's status.
func (t *Task) StatusLabel() string {
	if t.Status == StatusCompleted {
		return "completed"
	}
	return "active"
}

// Filter is a set of task predicates applied together. Nil pointer fields
// and empty slices are not applied.
type Filter struct {
	Status    *int
	Priority  *int
	ProjectID string
	Tags      []string
	Overdue   *bool
}

// Matches reports whether the task passes every set predicate. The tag
// predicate matches when the task carries any of the wanted tags.
func (f Filter) Matches(t *Task, now time.Time) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Tags) > 0 {
		hit := false
		for _, want := range f.Tags {
			for _, have := range t.Tags {
				if strings.EqualFold(want, have) {
					hit = true
					break
				}
			}
			if hit {
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.Overdue != nil && t.IsOverdue(now) != *f.Overdue {
		return false
	}
	return true
}

// FilterTasks returns the tasks matching the filter, preserving order.
func FilterTasks(tasks []Task, f Filter, now time.Time) []Task {
	out := make([]Task, 0, len(tasks))
	for i := range tasks {
		if f.Matches(&tasks[i], now) {
			out = append(out, tasks[i])
		}
	}
	return out
}

// SortByDueDate orders tasks by due date ascending; tasks without one
// sort last. The sort is stable.
func SortByDueDate(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		di, iok := tasks[i].Due()
		dj, jok := tasks[j].Due()
		if iok != jok {
			return iok
		}
		if !iok {
			return false
		}
		return di.Before(dj)
	})
}

// SortByStartDate orders tasks by start date ascending; tasks without one
// sort last.
func SortByStartDate(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		si, iok := ParseServiceTime(tasks[i].StartDate)
		sj, jok := ParseServiceTime(tasks[j].StartDate)
		if iok != jok {
			return iok
		}
		if !iok {
			return false
		}
		return si.Before(sj)
	})
}

// SortByPriority orders tasks high to low.
func SortByPriority(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})
}
