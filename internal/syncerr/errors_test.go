package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"not found sentinel", ErrNotFound, KindNotFound},
		{"wrapped not found", fmt.Errorf("get tenant: %w", ErrNotFound), KindNotFound},
		{"unavailable sentinel", ErrUnavailable, KindTransient},
		{"transient", Transient("blob fetch", errors.New("timeout")), KindTransient},
		{"parse", &ParseError{StoragePath: "a.xlsx", Cause: errors.New("bad header")}, KindParse},
		{"conflict", &ConflictError{OrganizationID: "org-1", Cause: errors.New("serialize")}, KindConflict},
		{"storage", &StorageUnavailableError{Op: "replace", Cause: errors.New("disk")}, KindStorageUnavailable},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("state get", cause)
	assert.True(t, errors.Is(err, cause))

	wrapped := fmt.Errorf("reconcile: %w", &ParseError{StoragePath: "x", Cause: cause})
	var parse *ParseError
	assert.True(t, errors.As(wrapped, &parse))
	assert.Equal(t, "x", parse.StoragePath)
}
