package assistant

import (
	"sync"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
)

// History is the bounded conversation log the dialogue loop feeds back to
// the model. Only the most recent messages survive; older ones fall off
// the front. Safe for concurrent use.
type History struct {
	mu   sync.Mutex
	msgs []llm.Message
	max  int
}

// NewHistory builds a log holding at most max messages (user and model
// turns count separately).
func NewHistory(max int) *History {
	if max <= 0 {
		max = 20
	}
	return &History{max: max}
}

// AddUser appends a user turn.
func (h *History) AddUser(text string) {
	h.add(llm.Message{Role: "user", Text: text})
}

// AddModel appends a model turn.
func (h *History) AddModel(text string) {
	h.add(llm.Message{Role: "assistant", Text: text})
}

func (h *History) add(m llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
	if len(h.msgs) > h.max {
		h.msgs = h.msgs[len(h.msgs)-h.max:]
	}
}

// Recent returns a copy of the last n messages, oldest first.
func (h *History) Recent(n int) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.msgs) {
		n = len(h.msgs)
	}
	if n <= 0 {
		return nil
	}
	out := make([]llm.Message, n)
	copy(out, h.msgs[len(h.msgs)-n:])
	return out
}

// Snapshot returns a copy of the whole log, oldest first.
func (h *History) Snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len reports how many messages are held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Clear drops the whole log.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
}
