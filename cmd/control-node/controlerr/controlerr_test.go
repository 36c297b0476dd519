package controlerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingViolationUnwrapsToSentinel(t *testing.T) {
	err := &BindingViolation{Service: "pricing", Operation: "quote", Missing: []string{"currency"}}
	assert.True(t, errors.Is(err, ErrBindingViolation))

	var bv *BindingViolation
	require.True(t, errors.As(err, &bv))
	assert.Equal(t, "pricing", bv.Service)
	assert.Equal(t, []string{"currency"}, bv.Missing)
}

func TestRuleVersionConflictUnwrapsToSentinel(t *testing.T) {
	err := &RuleVersionConflict{Channel: 2, RuleBaseVersion: 7, FragmentIndex: 3}
	assert.True(t, errors.Is(err, ErrRuleVersionConflict))

	var rvc *RuleVersionConflict
	require.True(t, errors.As(err, &rvc))
	assert.Equal(t, uint64(7), rvc.RuleBaseVersion)
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrMalformedPayload, ErrRuleBaseNotActive, ErrBindingViolation,
		ErrRoutingAmbiguous, ErrCoordinationError, ErrTransient,
		ErrExpired, ErrCaptureOverflow, ErrRuleVersionConflict, ErrQueueSaturated,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "sentinels %v and %v should not match", a, b)
		}
	}
}
