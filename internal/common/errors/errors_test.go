package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsWrapSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		sentinel error
		code     string
		status   int
	}{
		{"unknown agent", UnknownAgent("a1"), ErrUnknownAgent, ErrCodeNotFound, http.StatusNotFound},
		{"unknown template", UnknownTemplate("t"), ErrUnknownTemplate, ErrCodeNotFound, http.StatusNotFound},
		{"unknown task", UnknownTask("t"), ErrUnknownTask, ErrCodeNotFound, http.StatusNotFound},
		{"duplicate", DuplicateAgent("a1"), ErrDuplicateAgent, ErrCodeConflict, http.StatusConflict},
		{"terminal", TerminalState("a1"), ErrTerminalState, ErrCodeConflict, http.StatusConflict},
		{"unavailable", AgentUnavailable("a1", "terminated"), ErrAgentUnavailable, ErrCodeUnavailable, http.StatusServiceUnavailable},
		{"inbox full", InboxFull("a1"), ErrInboxFull, ErrCodeCapacity, http.StatusTooManyRequests},
		{"routing", AmbiguousRouting("analysis"), ErrAmbiguousRouting, ErrCodeRouting, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, GetHTTPStatus(tt.err))
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("assign task: %w", UnknownAgent("ghost"))

	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.True(t, stderrors.Is(err, ErrUnknownAgent))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(err))

	assert.True(t, IsCapacity(InboxFull("a")))
	assert.True(t, IsRouting(AmbiguousRouting("g")))
	assert.True(t, IsTimeout(Timeout("deadline", ErrTaskTimeout)))
	assert.True(t, IsUnavailable(Unavailable("sampler", ErrSamplingUnavailable)))
	assert.True(t, IsBadRequest(ValidationError("priority", "unknown value")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "noop"))

	wrapped := Wrap(TerminalState("a1"), "update state")
	assert.Equal(t, ErrCodeConflict, wrapped.Code)
	assert.ErrorIs(t, wrapped, ErrTerminalState)
	assert.Contains(t, wrapped.Message, "update state")

	plain := Wrap(stderrors.New("disk gone"), "save")
	assert.Equal(t, ErrCodeInternalError, plain.Code)
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(plain))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(stderrors.New("x")))
}
