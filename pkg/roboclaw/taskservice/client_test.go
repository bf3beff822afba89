package taskservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTokens is a TokenSource with canned answers.
type staticTokens struct {
	mu           sync.Mutex
	token        string
	refreshed    string
	tokenErr     error
	refreshErr   error
	refreshCalls int
}

func (s *staticTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.tokenErr
}

func (s *staticTokens) Refresh(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	return s.refreshed, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_RetriesOnceAfter401(t *testing.T) {
	var auths []string
	var bodies []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		auths = append(auths, r.Header.Get("Authorization"))
		bodies = append(bodies, string(b))

		if len(auths) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, Task{ID: "t1", ProjectID: "p1", Title: "buy milk"})
	}))
	t.Cleanup(srv.Close)

	tokens := &staticTokens{token: "stale", refreshed: "fresh"}
	c := NewClient(srv.URL, tokens, nil)

	created, err := c.CreateTask(context.Background(), &Task{ProjectID: "p1", Title: "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "t1", created.ID)

	require.Len(t, auths, 2)
	assert.Equal(t, "Bearer stale", auths[0])
	assert.Equal(t, "Bearer fresh", auths[1])
	assert.Equal(t, bodies[0], bodies[1], "the retry resends the same payload")
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestClient_SecondUnauthorizedSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tokens := &staticTokens{token: "stale", refreshed: "still-bad"}
	c := NewClient(srv.URL, tokens, nil)

	_, err := c.Task(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task service returned 401")
	assert.Equal(t, 1, tokens.refreshCalls, "one refresh, one retry, no loop")
}

func TestClient_RefreshFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tokens := &staticTokens{token: "stale", refreshErr: assert.AnError}
	c := NewClient(srv.URL, tokens, nil)

	_, err := c.Task(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token refresh after 401")
}

func TestClient_TokenErrorShortCircuits(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, &staticTokens{tokenErr: assert.AnError}, nil)
	_, err := c.Projects(context.Background())
	require.Error(t, err)
	assert.False(t, called, "no request without a token")
}

func TestClient_AllTasks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /project", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []Project{
			{ID: "p1", Name: "Inbox"},
			{ID: "p2", Name: "Archive", Closed: true},
			{ID: "", Name: "ghost"},
			{ID: "p3", Name: "Errands"},
			{ID: "p4", Name: "Broken"},
		})
	})
	mux.HandleFunc("GET /project/p1/data", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ProjectData{
			Project: Project{ID: "p1", Name: "Inbox (renamed)"},
			Tasks: []Task{
				{ID: "t1", Title: "buy milk", Status: StatusActive},
				{ID: "t2", Title: "old chore", Status: StatusCompleted},
			},
		})
	})
	mux.HandleFunc("GET /project/p3/data", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ProjectData{
			Tasks: []Task{{ID: "t3", Title: "post letter", Status: StatusActive}},
		})
	})
	mux.HandleFunc("GET /project/p4/data", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, nil)

	t.Run("active only", func(t *testing.T) {
		tasks, err := c.AllTasks(context.Background(), false)
		require.NoError(t, err)
		require.Len(t, tasks, 2, "closed, empty-id and broken projects are skipped")

		assert.Equal(t, "t1", tasks[0].ID)
		assert.Equal(t, "p1", tasks[0].ProjectID, "project id injected")
		assert.Equal(t, "Inbox (renamed)", tasks[0].ProjectName, "data payload name wins")

		assert.Equal(t, "t3", tasks[1].ID)
		assert.Equal(t, "Errands", tasks[1].ProjectName, "listing name fills the gap")
	})

	t.Run("including completed", func(t *testing.T) {
		tasks, err := c.AllTasks(context.Background(), true)
		require.NoError(t, err)
		assert.Len(t, tasks, 3)
	})
}

func TestClient_ProjectTasks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /project/p1/data", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ProjectData{
			Project: Project{ID: "p1", Name: "Inbox"},
			Tasks: []Task{
				{ID: "t1", Status: StatusActive},
				{ID: "t2", Status: StatusCompleted},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, nil)

	tasks, err := c.ProjectTasks(context.Background(), "p1", false)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestClient_CreateTaskValidates(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, nil)

	_, err := c.CreateTask(context.Background(), &Task{ProjectID: "p1"})
	assert.ErrorContains(t, err, "title")

	_, err = c.CreateTask(context.Background(), &Task{Title: "buy milk"})
	assert.ErrorContains(t, err, "project id")

	assert.False(t, called)
}

func TestClient_UpdateTaskMergesPatch(t *testing.T) {
	var posted Task
	mux := http.NewServeMux()
	mux.HandleFunc("GET /task/t1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, Task{
			ID:        "t1",
			ProjectID: "p1",
			Title:     "old title",
			Content:   "keep me",
			Priority:  PriorityLow,
			Status:    StatusActive,
		})
	})
	mux.HandleFunc("POST /task/t1", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		writeJSON(w, posted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, nil)

	updated, err := c.UpdateTask(context.Background(), "t1", TaskPatch{
		Title:  strPtr("new title"),
		Status: intPtr(StatusCompleted),
	})
	require.NoError(t, err)

	assert.Equal(t, "new title", posted.Title)
	assert.Equal(t, StatusCompleted, posted.Status)
	assert.Equal(t, "keep me", posted.Content, "unset patch fields keep current values")
	assert.Equal(t, PriorityLow, posted.Priority)
	assert.Equal(t, "new title", updated.Title)
}

func TestClient_CompleteTask(t *testing.T) {
	var posted Task
	mux := http.NewServeMux()
	mux.HandleFunc("GET /task/t1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, Task{ID: "t1", ProjectID: "p1", Title: "buy milk", Status: StatusActive})
	})
	mux.HandleFunc("POST /task/t1", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		writeJSON(w, posted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, nil)

	done, err := c.CompleteTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, posted.Status)
	assert.Equal(t, StatusCompleted, done.Status)
}
