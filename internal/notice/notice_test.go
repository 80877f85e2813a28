package notice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer(t *testing.T) {
	b := NewBuffer(2)
	ReportError(b, "Failed to load posts", errors.New("connection reset"))
	ReportSuccess(b, "Post created successfully!")
	ReportSuccess(b, "Comment added!")

	got := b.Drain()
	assert.Len(t, got, 2, "Старые уведомления должны вытесняться")
	assert.Equal(t, Success, got[0].Level)
	assert.Equal(t, "Comment added!", got[1].Title)
	assert.Zero(t, b.Len())
}

func TestReportError(t *testing.T) {
	b := NewBuffer(0)
	ReportError(b, "Failed to update reaction", errors.New("timeout"))
	ReportError(b, "Failed", nil)

	got := b.Drain()
	assert.Equal(t, Error, got[0].Level)
	assert.Equal(t, "timeout", got[0].Message)
	assert.Empty(t, got[1].Message)
	assert.False(t, got[0].At.IsZero())
}
