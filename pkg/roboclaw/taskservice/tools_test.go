package taskservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(ToolDefinition{Name: "ping", Description: "replies pong"},
		func(context.Context, map[string]any) (string, error) { return "pong", nil })
	r.Register(ToolDefinition{Name: "echo", Description: "echoes the message",
		Params: []ParamDef{{Name: "message", Description: "text to echo", Required: true}}},
		func(_ context.Context, args map[string]any) (string, error) {
			return args["message"].(string), nil
		})

	assert.Equal(t, []string{"ping", "echo"}, r.Names())

	out, err := r.Execute(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	out, err = r.Execute(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Execute(context.Background(), "reboot", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tool "reboot"`)
}

func TestRegistry_ReRegisterReplacesHandler(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(ToolDefinition{Name: "ping", Description: "v1"},
		func(context.Context, map[string]any) (string, error) { return "v1", nil })
	r.Register(ToolDefinition{Name: "ping", Description: "v2"},
		func(context.Context, map[string]any) (string, error) { return "v2", nil })

	assert.Equal(t, []string{"ping"}, r.Names(), "one prompt entry, not two")
	out, err := r.Execute(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

func TestRegistry_PromptBlock(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(ToolDefinition{Name: "get_projects", Description: "List projects."},
		func(context.Context, map[string]any) (string, error) { return "", nil })
	r.Register(ToolDefinition{Name: "create_task", Description: "Create a task.",
		Params: []ParamDef{
			{Name: "title", Description: "Task title", Required: true},
			{Name: "content", Description: "Notes"},
		}},
		func(context.Context, map[string]any) (string, error) { return "", nil })

	block := r.PromptBlock()
	assert.Contains(t, block, "Available tools:")
	assert.Contains(t, block, "get_projects: List projects.")
	assert.Contains(t, block, "(no parameters)")
	assert.Contains(t, block, "- title: Task title (required)")
	assert.Contains(t, block, "- content: Notes\n")
}

func TestArgHelpers(t *testing.T) {
	t.Run("argString", func(t *testing.T) {
		v, err := argString(map[string]any{"id": "  abc "}, "id", true)
		require.NoError(t, err)
		assert.Equal(t, "abc", v)

		_, err = argString(map[string]any{}, "id", true)
		assert.ErrorContains(t, err, "id is required")

		_, err = argString(map[string]any{"id": "   "}, "id", true)
		assert.ErrorContains(t, err, "id is required")

		v, err = argString(map[string]any{}, "id", false)
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("argInt", func(t *testing.T) {
		// JSON numbers arrive as float64; models sometimes quote them.
		assert.Equal(t, 5, argInt(map[string]any{"priority": float64(5)}, "priority", 0))
		assert.Equal(t, 3, argInt(map[string]any{"priority": "3"}, "priority", 0))
		assert.Equal(t, 7, argInt(map[string]any{}, "priority", 7))
		assert.Equal(t, 0, argInt(map[string]any{"priority": "high"}, "priority", 0))
	})

	t.Run("argBool", func(t *testing.T) {
		assert.True(t, argBool(map[string]any{"flag": true}, "flag"))
		assert.True(t, argBool(map[string]any{"flag": " True "}, "flag"))
		assert.False(t, argBool(map[string]any{"flag": "nope"}, "flag"))
		assert.False(t, argBool(map[string]any{}, "flag"))
	})

	t.Run("argStrings", func(t *testing.T) {
		got := argStrings(map[string]any{"tags": []any{"home", "", 3, "urgent"}}, "tags")
		assert.Equal(t, []string{"home", "urgent"}, got)
		assert.Nil(t, argStrings(map[string]any{"tags": "home"}, "tags"))
	})
}

func TestRegisterTaskTools(t *testing.T) {
	var createdTask Task
	mux := http.NewServeMux()
	mux.HandleFunc("GET /project", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []Project{{ID: "p1", Name: "Inbox"}})
	})
	mux.HandleFunc("GET /project/p1/data", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ProjectData{
			Project: Project{ID: "p1", Name: "Inbox"},
			Tasks: []Task{
				{ID: "t-late", Title: "later", DueDate: "2026-08-27T09:00:00+0000"},
				{ID: "t-early", Title: "sooner", DueDate: "2026-08-25T09:00:00+0000"},
			},
		})
	})
	mux.HandleFunc("POST /task", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&createdTask))
		createdTask.ID = "t-new"
		writeJSON(w, createdTask)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, &staticTokens{token: "tok"}, nil)
	r := NewRegistry(slog.Default())
	RegisterTaskTools(r, client)

	assert.Equal(t, []string{
		"get_projects", "get_project_data", "get_all_tasks", "get_tasks",
		"get_task_by_id", "create_task", "update_task", "complete_task",
	}, r.Names())

	t.Run("get_all_tasks sorts by due date", func(t *testing.T) {
		out, err := r.Execute(context.Background(), "get_all_tasks", map[string]any{})
		require.NoError(t, err)

		var tasks []Task
		require.NoError(t, json.Unmarshal([]byte(out), &tasks))
		require.Len(t, tasks, 2)
		assert.Equal(t, "t-early", tasks[0].ID)
		assert.Equal(t, "t-late", tasks[1].ID)
	})

	t.Run("create_task normalizes the due date", func(t *testing.T) {
		out, err := r.Execute(context.Background(), "create_task", map[string]any{
			"title":      "water plants",
			"project_id": "p1",
			"due_date":   "2026-08-26T09:00:00Z",
			"priority":   float64(PriorityHigh),
			"tags":       []any{"home"},
		})
		require.NoError(t, err)
		assert.Contains(t, out, "t-new")

		assert.Equal(t, "water plants", createdTask.Title)
		assert.Equal(t, "2026-08-26T09:00:00+0000", createdTask.DueDate)
		assert.Equal(t, PriorityHigh, createdTask.Priority)
		assert.Equal(t, []string{"home"}, createdTask.Tags)
	})

	t.Run("create_task rejects prose dates", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "create_task", map[string]any{
			"title":      "water plants",
			"project_id": "p1",
			"due_date":   "tomorrow morning",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid due_date")
	})

	t.Run("missing required argument", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "get_tasks", map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "project_id is required")
	})
}
