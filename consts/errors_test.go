package consts

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("user 1: %w", ErrQuotaExceeded), KindQuotaExceeded},
		{fmt.Errorf("target: %w", ErrMailboxNotFound), KindResourceNotFound},
		{ErrResourceNotFound, KindResourceNotFound},
		{fmt.Errorf("bad regex: %w", ErrInvalidRuleDefinition), KindInvalidRuleDefinition},
		{fmt.Errorf("after 3 attempts: %w", ErrConcurrentModification), KindConcurrentModification},
		{ErrPublishFailure, KindPublishFailure},
		{fmt.Errorf("step: %w", context.Canceled), KindCancelled},
		{fmt.Errorf("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", CorrelationID(ctx))
	ctx = WithCorrelationID(ctx, "abc")
	assert.Equal(t, "abc", CorrelationID(ctx))
}

func TestRuleError(t *testing.T) {
	err := NewRuleError(42, fmt.Errorf("move: %w", ErrMailboxNotFound))
	assert.Equal(t, KindResourceNotFound, err.Kind)
	assert.ErrorIs(t, err, ErrMailboxNotFound)
	assert.Contains(t, err.Error(), "rule 42")
}
