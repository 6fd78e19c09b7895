package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMatchesSentinel(t *testing.T) {
	err := New(ErrNoDelta, "conversation %s", "abc")
	assert.True(t, errors.Is(err, ErrNoDelta))
	assert.False(t, errors.Is(err, ErrInsufficientMessages))
	assert.Equal(t, "no new messages since last compression: conversation abc", err.Error())

	wrapped := fmt.Errorf("compress: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNoDelta))
	assert.Equal(t, InvalidInput, KindOf(wrapped))
	assert.Equal(t, "no_delta", CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("exit status 2")
	err := Wrap(ErrCompressionFailed, cause, "")
	assert.True(t, errors.Is(err, ErrCompressionFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "compression failed: exit status 2", err.Error())
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal", CodeOf(errors.New("boom")))
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{New(ErrCompressionInProgress, "x"), true},
		{New(ErrVersionExists, "x"), false},
		{New(ErrCompressionTimeout, "x"), true},
		{New(ErrCompressionFailed, "x"), true},
		{New(ErrMalformedOutput, "x"), false},
		{New(ErrNoDelta, "x"), false},
		{New(ErrConversationNotFound, "x"), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retriable(tt.err), tt.err.Error())
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "conflict", Conflict.String())
	assert.Equal(t, "dependency", Dependency.String())
	assert.Equal(t, "internal", Kind(99).String())
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Internal, NotFound, Conflict, InvalidInput, Dependency} {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, Internal, ParseKind("bogus"))
}
