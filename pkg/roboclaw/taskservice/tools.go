package taskservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ToolFunc executes one tool call with the model-provided arguments and
// returns text for the conversation.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// ParamDef documents one tool parameter for the sub-agent prompt.
type ParamDef struct {
	Name        string
	Description string
	Required    bool
}

// ToolDefinition describes one callable tool.
type ToolDefinition struct {
	Name        string
	Description string
	Params      []ParamDef
}

// Registry holds the closed set of tools the sub-agent may call.
type Registry struct {
	defs     []ToolDefinition
	handlers map[string]ToolFunc
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]ToolFunc),
		logger:   logger.With("component", "tasktools"),
	}
}

// Register adds a tool. Re-registering a name replaces the handler but
// keeps the first definition's prompt entry.
func (r *Registry) Register(def ToolDefinition, fn ToolFunc) {
	if _, exists := r.handlers[def.Name]; !exists {
		r.defs = append(r.defs, def)
	}
	r.handlers[def.Name] = fn
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.defs))
	for i, def := range r.defs {
		names[i] = def.Name
	}
	return names
}

// Execute dispatches one tool call.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	fn, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return fn(ctx, args)
}

// PromptBlock renders the tool list for the sub-agent system prompt.
func (r *Registry) PromptBlock() string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, def := range r.defs {
		fmt.Fprintf(&b, "\n  %s: %s\n", def.Name, def.Description)
		if len(def.Params) == 0 {
			b.WriteString("    (no parameters)\n")
			continue
		}
		for _, p := range def.Params {
			marker := ""
			if p.Required {
				marker = " (required)"
			}
			fmt.Fprintf(&b, "    - %s: %s%s\n", p.Name, p.Description, marker)
		}
	}
	return b.String()
}

// RegisterTaskTools wires the service client's operations into the
// registry. Tool results are indented JSON so the model can quote ids and
// dates back verbatim.
func RegisterTaskTools(r *Registry, client *Client) {
	r.Register(ToolDefinition{
		Name:        "get_projects",
		Description: "List all projects (task lists) with their ids and names.",
	}, func(ctx context.Context, _ map[string]any) (string, error) {
		projects, err := client.Projects(ctx)
		if err != nil {
			return "", err
		}
		return toolJSON(projects)
	})

	r.Register(ToolDefinition{
		Name:        "get_project_data",
		Description: "Fetch one project with all of its tasks and columns.",
		Params: []ParamDef{
			{Name: "project_id", Description: "Project id to fetch", Required: true},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		projectID, err := argString(args, "project_id", true)
		if err != nil {
			return "", err
		}
		data, err := client.ProjectData(ctx, projectID)
		if err != nil {
			return "", err
		}
		return toolJSON(data)
	})

	r.Register(ToolDefinition{
		Name:        "get_all_tasks",
		Description: "List tasks across all open projects, sorted by due date.",
		Params: []ParamDef{
			{Name: "include_completed", Description: "Include completed tasks (default false)"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		tasks, err := client.AllTasks(ctx, argBool(args, "include_completed"))
		if err != nil {
			return "", err
		}
		SortByDueDate(tasks)
		return toolJSON(tasks)
	})

	r.Register(ToolDefinition{
		Name:        "get_tasks",
		Description: "List the tasks of one project.",
		Params: []ParamDef{
			{Name: "project_id", Description: "Project id whose tasks to fetch", Required: true},
			{Name: "include_completed", Description: "Include completed tasks (default false)"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		projectID, err := argString(args, "project_id", true)
		if err != nil {
			return "", err
		}
		tasks, err := client.ProjectTasks(ctx, projectID, argBool(args, "include_completed"))
		if err != nil {
			return "", err
		}
		return toolJSON(tasks)
	})

	r.Register(ToolDefinition{
		Name:        "get_task_by_id",
		Description: "Fetch one task by id.",
		Params: []ParamDef{
			{Name: "task_id", Description: "Task id to fetch", Required: true},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		taskID, err := argString(args, "task_id", true)
		if err != nil {
			return "", err
		}
		task, err := client.Task(ctx, taskID)
		if err != nil {
			return "", err
		}
		return toolJSON(task)
	})

	r.Register(ToolDefinition{
		Name:        "create_task",
		Description: "Create a new task with title, notes, due date, priority and tags.",
		Params: []ParamDef{
			{Name: "title", Description: "Task title", Required: true},
			{Name: "project_id", Description: "Project to create the task in", Required: true},
			{Name: "content", Description: "Notes/description"},
			{Name: "due_date", Description: "Due date, ISO 8601 (e.g. 2026-02-20T09:00:00+0000)"},
			{Name: "priority", Description: "Priority: 0=none, 1=low, 3=medium, 5=high"},
			{Name: "tags", Description: "List of tag names"},
			{Name: "all_day", Description: "Whether the task is an all-day item"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		title, err := argString(args, "title", true)
		if err != nil {
			return "", err
		}
		projectID, err := argString(args, "project_id", true)
		if err != nil {
			return "", err
		}
		task := &Task{
			Title:     title,
			ProjectID: projectID,
			Priority:  argInt(args, "priority", 0),
			IsAllDay:  argBool(args, "all_day"),
			Tags:      argStrings(args, "tags"),
		}
		if content, _ := argString(args, "content", false); content != "" {
			task.Content = content
		}
		if due, _ := argString(args, "due_date", false); due != "" {
			parsed, ok := ParseServiceTime(due)
			if !ok {
				return "", fmt.Errorf("invalid due_date %q: use ISO 8601 like 2026-02-20T09:00:00+0000", due)
			}
			task.DueDate = FormatServiceTime(parsed)
		}
		created, err := client.CreateTask(ctx, task)
		if err != nil {
			return "", err
		}
		return toolJSON(created)
	})

	r.Register(ToolDefinition{
		Name:        "update_task",
		Description: "Update an existing task; only the provided fields change.",
		Params: []ParamDef{
			{Name: "task_id", Description: "Task id to update", Required: true},
			{Name: "title", Description: "New title"},
			{Name: "content", Description: "New notes/description"},
			{Name: "status", Description: "Status: 0=active, 2=completed"},
			{Name: "priority", Description: "New priority: 0=none, 1=low, 3=medium, 5=high"},
			{Name: "due_date", Description: "New due date, ISO 8601"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		taskID, err := argString(args, "task_id", true)
		if err != nil {
			return "", err
		}
		var patch TaskPatch
		if title, ok := args["title"].(string); ok {
			patch.Title = &title
		}
		if content, ok := args["content"].(string); ok {
			patch.Content = &content
		}
		if status, ok := argIntOptional(args, "status"); ok {
			patch.Status = &status
		}
		if priority, ok := argIntOptional(args, "priority"); ok {
			patch.Priority = &priority
		}
		if due, ok := args["due_date"].(string); ok && due != "" {
			parsed, parseOK := ParseServiceTime(due)
			if !parseOK {
				return "", fmt.Errorf("invalid due_date %q: use ISO 8601 like 2026-02-20T09:00:00+0000", due)
			}
			formatted := FormatServiceTime(parsed)
			patch.DueDate = &formatted
		}
		updated, err := client.UpdateTask(ctx, taskID, patch)
		if err != nil {
			return "", err
		}
		return toolJSON(updated)
	})

	r.Register(ToolDefinition{
		Name:        "complete_task",
		Description: "Mark a task as completed.",
		Params: []ParamDef{
			{Name: "task_id", Description: "Task id to complete", Required: true},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		taskID, err := argString(args, "task_id", true)
		if err != nil {
			return "", err
		}
		completed, err := client.CompleteTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		return toolJSON(completed)
	})
}

func toolJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(data), nil
}

// argString fetches a string argument; required-and-missing is an error
// the model sees and can correct.
func argString(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key].(string)
	v = strings.TrimSpace(v)
	if required && (!ok || v == "") {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// argInt reads a numeric argument. JSON numbers decode as float64; string
// digits are tolerated because models emit them occasionally.
func argInt(args map[string]any, key string, def int) int {
	if v, ok := argIntOptional(args, key); ok {
		return v
	}
	return def
}

func argIntOptional(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

func argBool(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
