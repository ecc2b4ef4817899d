package resource

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/concur/errors"
)

func TestFromStoreError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", errors.Wrap(errors.ErrNotFound, "entitystore", "Get", "read"), http.StatusNotFound, CodeNotFound},
		{"stale version", fmt.Errorf("%w: have 3", errors.ErrVersionConflict), http.StatusConflict, CodeVersionConflict},
		{"validation", errors.WrapInvalid(errors.ErrValidation, "entitystore", "Update", "validate fields"), http.StatusUnprocessableEntity, CodeValidationFailed},
		{"storage down", errors.WrapTransient(errors.ErrStorageUnavailable, "entitystore", "Update", "write entity"), http.StatusServiceUnavailable, CodeUnavailable},
		{"anything else", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var se *StatusError
			require.True(t, errors.As(FromStoreError(tt.err), &se))
			assert.Equal(t, tt.status, se.StatusCode())
			assert.Equal(t, tt.code, se.ErrorCode())
			assert.ErrorIs(t, se, tt.err)
		})
	}

	assert.NoError(t, FromStoreError(nil))

	existing := &StatusError{Status: http.StatusTeapot}
	assert.Same(t, existing, FromStoreError(existing))
}

func TestStatusError_Error(t *testing.T) {
	assert.Equal(t, "status 404 (NOT_FOUND): gone", (&StatusError{Status: 404, Code: CodeNotFound, Message: "gone"}).Error())
	assert.Equal(t, "status 500: boom", (&StatusError{Status: 500, Err: errors.New("boom")}).Error())
	assert.Equal(t, "status 502: Bad Gateway", (&StatusError{Status: 502}).Error())
}
