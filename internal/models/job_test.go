package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminal(t *testing.T) {
	assert.False(t, Terminal(StatusPending))
	assert.False(t, Terminal(StatusProcessing))
	assert.True(t, Terminal(StatusCompleted))
	assert.True(t, Terminal(StatusFailed))
}

func TestNewTask(t *testing.T) {
	job := Job{
		ID:        "abc",
		OwnerID:   "user-9",
		ObjectKey: "user-9/abc.pdf",
	}
	task := NewTask(job)
	assert.Equal(t, TaskProcessDocument, task.Task)
	assert.Equal(t, "abc", task.JobID)
	assert.Equal(t, "user-9/abc.pdf", task.ObjectKey)
	assert.Equal(t, "user-9", task.OwnerID)
}
