package assistant

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_KeepsOnlyRecentMessages(t *testing.T) {
	h := NewHistory(4)
	for i := 1; i <= 3; i++ {
		h.AddUser(fmt.Sprintf("question %d", i))
		h.AddModel(fmt.Sprintf("answer %d", i))
	}

	require.Equal(t, 4, h.Len())
	msgs := h.Snapshot()
	assert.Equal(t, "question 2", msgs[0].Text)
	assert.Equal(t, "answer 2", msgs[1].Text)
	assert.Equal(t, "question 3", msgs[2].Text)
	assert.Equal(t, "answer 3", msgs[3].Text)
}

func TestHistory_Roles(t *testing.T) {
	h := NewHistory(10)
	h.AddUser("hello")
	h.AddModel("hi")

	msgs := h.Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestHistory_Recent(t *testing.T) {
	h := NewHistory(10)
	h.AddUser("one")
	h.AddModel("two")
	h.AddUser("three")

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Text)
	assert.Equal(t, "three", recent[1].Text)

	assert.Len(t, h.Recent(100), 3, "asking for more than held returns everything")
	assert.Nil(t, h.Recent(0))
}

func TestHistory_SnapshotIsACopy(t *testing.T) {
	h := NewHistory(10)
	h.AddUser("original")

	msgs := h.Snapshot()
	msgs[0].Text = "tampered"
	assert.Equal(t, "original", h.Snapshot()[0].Text)
}

func TestHistory_Clear(t *testing.T) {
	h := NewHistory(10)
	h.AddUser("anything")
	h.Clear()
	assert.Zero(t, h.Len())
	assert.Empty(t, h.Snapshot())
}

func TestNewHistory_DefaultCap(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < 25; i++ {
		h.AddUser("filler")
	}
	assert.Equal(t, 20, h.Len())
}
