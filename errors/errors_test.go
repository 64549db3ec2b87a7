package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrNotFound, "routine abc123")
	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsAlreadyRunningError(err))

	err = Wrapf(ErrAlreadyRunning, "workspace %q", "fathom")
	assert.True(t, IsAlreadyRunningError(err))
}

func TestInvalidRequestCoversIntervalAndDisabled(t *testing.T) {
	assert.True(t, IsInvalidRequestError(Wrap(ErrInvalidInterval, "interval 0")))
	assert.True(t, IsInvalidRequestError(Wrap(ErrRoutineDisabled, "fire-now")))
	assert.True(t, IsInvalidRequestError(ErrInvalidRequest))
	assert.False(t, IsInvalidRequestError(nil))
	assert.False(t, IsInvalidRequestError(New("other")))
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := WithDetail(New("tick failed"), "workspace: fathom")
	err = Wrap(err, "scheduler")
	assert.Contains(t, GetAllDetails(err), "workspace: fathom")
}
