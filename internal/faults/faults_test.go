package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"validation", Validation("alarms.add", "empty tag"), KindValidation},
		{"transient", Transient("buffer.enqueue", errors.New("dial tcp: refused")), KindTransient},
		{"not configured", NotConfigured("alarms.get", "postgres"), KindNotConfigured},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTransient},
		{"wrapped transient", fmt.Errorf("outer: %w", Transient("op", errors.New("x"))), KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestTransientKeepsExistingClassification(t *testing.T) {
	original := Validation("op", "bad")
	assert.Same(t, original, Transient("other", original))
	assert.Nil(t, Transient("op", nil))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCode(Validation("op", "x")))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(Transient("op", errors.New("x"))))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(NotConfigured("op", "db")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("x")))
}

func TestErrorsUnwrapToSentinels(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("alarms.list", cause)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, NotConfigured("op", "redis"), ErrNotConfigured)
	assert.ErrorIs(t, Validation("op", "x"), ErrInvalid)
	assert.Contains(t, err.Error(), "alarms.list")
}
