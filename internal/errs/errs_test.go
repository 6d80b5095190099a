package errs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("register: %w", errs.New(errs.CodeCapacity, "too many regions"))

	assert.True(t, errors.Is(err, errs.New(errs.CodeCapacity, "")))
	assert.False(t, errors.Is(err, errs.New(errs.CodeUnauthorized, "")))
	assert.Equal(t, errs.CodeCapacity, errs.CodeOf(err))
}

func TestRetryable_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", errs.Transient("503", nil), true},
		{"circuit open", errs.New(errs.CodeCircuitOpen, "open"), true},
		{"terminal", errs.Terminal("400", nil), false},
		{"capacity", errs.New(errs.CodeCapacity, "full"), false},
		{"unclassified", context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errs.Retryable(tc.err))
		})
	}
}

func TestError_MessageIncludesCause(t *testing.T) {
	err := errs.Wrap(errs.CodeTransient, "send heartbeat", errors.New("connection reset"))
	assert.Equal(t, "send heartbeat: connection reset", err.Error())
	assert.ErrorIs(t, err, err.Cause)
}
