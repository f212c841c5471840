package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("register", "bad uid %q", "x")))
	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("wrapped: %w", Conflict("revoke", "already revoked"))))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorsIs_SameKind(t *testing.T) {
	err := fmt.Errorf("authenticate: %w", ErrAuthentication)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.False(t, errors.Is(err, ErrForensicMode))
	assert.True(t, errors.Is(ErrForensicMode, ErrForensicMode))
}

func TestError_MessageAndUnwrap(t *testing.T) {
	root := errors.New("connection refused")
	err := Transient("ledger.MarkProcessed", root)

	assert.Equal(t, "ledger.MarkProcessed: infrastructure unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, root)
	assert.Nil(t, Transient("op", nil))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validation("op", "bad"), false},
		{"conflict", Conflict("op", "dup"), false},
		{"forbidden", ErrForensicMode, false},
		{"not found", NotFound("op", "x"), false},
		{"auth", ErrAuthentication, false},
		{"transient", Transient("op", errors.New("timeout")), true},
		{"unclassified", errors.New("i/o"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
