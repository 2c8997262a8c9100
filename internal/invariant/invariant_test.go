package invariant_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/invariant"
)

// recoverEffectError runs fn and returns the *errors.EffectError it panicked
// with, failing the test if fn didn't panic or panicked with something else.
func recoverEffectError(t *testing.T, fn func()) *errors.EffectError {
	t.Helper()
	var ee *errors.EffectError
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a panic")
			var ok bool
			ee, ok = r.(*errors.EffectError)
			require.True(t, ok, "expected panic value to be *errors.EffectError, got %T", r)
		}()
		fn()
	}()
	return ee
}

func TestPreconditionPass(t *testing.T) {
	assert.NotPanics(t, func() {
		invariant.Precondition(true, "this should pass")
		invariant.Precondition(1 == 1, "math works")
	})
}

func TestPreconditionFail(t *testing.T) {
	ee := recoverEffectError(t, func() {
		invariant.Precondition(false, "data must not be empty")
	})
	assert.True(t, errors.Is(ee, errors.KindInvariantViolation))
	assert.Contains(t, ee.Message, "data must not be empty")
	assert.Equal(t, "precondition violation", ee.Context["reason"])
	assert.Contains(t, ee.Context, "line")
}

func TestPostconditionFail(t *testing.T) {
	ee := recoverEffectError(t, func() {
		invariant.Postcondition(false, "result must be positive")
	})
	assert.Equal(t, "postcondition violation", ee.Context["reason"])
	assert.Contains(t, ee.Message, "result must be positive")
}

func TestInvariantFail(t *testing.T) {
	ee := recoverEffectError(t, func() {
		invariant.Invariant(false, "position must advance")
	})
	assert.Equal(t, "invariant violation", ee.Context["reason"])
	assert.Contains(t, ee.Message, "position must advance")
}

func TestNotNilPass(t *testing.T) {
	str := "hello"
	assert.NotPanics(t, func() {
		invariant.NotNil(str, "str")
		invariant.NotNil(&str, "ptr")
		invariant.NotNil([]int{1, 2, 3}, "slice")
	})
}

func TestNotNilFailsOnNilInterface(t *testing.T) {
	ee := recoverEffectError(t, func() {
		invariant.NotNil(nil, "event")
	})
	assert.Contains(t, ee.Message, "event must not be nil")
}

func TestNotNilFailsOnTypedNilPointer(t *testing.T) {
	var ptr *string
	ee := recoverEffectError(t, func() {
		invariant.NotNil(ptr, "event")
	})
	assert.Contains(t, ee.Message, "event must not be nil")
}

func TestInRangePass(t *testing.T) {
	assert.NotPanics(t, func() {
		invariant.InRange(5, 0, 10, "index")
		invariant.InRange(0, 0, 10, "index")
		invariant.InRange(10, 0, 10, "index")
	})
}

func TestInRangeFail(t *testing.T) {
	tests := []struct {
		name  string
		value int
	}{
		{"below_min", -1},
		{"above_max", 11},
		{"far_below", -100},
		{"far_above", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ee := recoverEffectError(t, func() {
				invariant.InRange(tt.value, 0, 10, "index")
			})
			assert.Contains(t, ee.Message, "must be in range")
		})
	}
}

func TestPositivePass(t *testing.T) {
	assert.NotPanics(t, func() {
		invariant.Positive(1, "id")
		invariant.Positive(999999, "large_value")
	})
}

func TestPositiveFail(t *testing.T) {
	for _, value := range []int{0, -1, -100} {
		ee := recoverEffectError(t, func() {
			invariant.Positive(value, "step_id")
		})
		assert.Contains(t, ee.Message, "must be positive")
	}
}

func TestExpectNoErrorPass(t *testing.T) {
	assert.NotPanics(t, func() {
		invariant.ExpectNoError(nil, "operation")
	})
}

func TestExpectNoErrorFail(t *testing.T) {
	cause := assertError{"validation failed"}
	ee := recoverEffectError(t, func() {
		invariant.ExpectNoError(cause, "plan validation")
	})
	assert.Contains(t, ee.Message, "plan validation must not fail")
}

func TestContextNotBackgroundPass(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NotPanics(t, func() {
		invariant.ContextNotBackground(ctx, "test")
	})
}

func TestContextNotBackgroundFailsOnBackground(t *testing.T) {
	ee := recoverEffectError(t, func() {
		invariant.ContextNotBackground(context.Background(), "test location")
	})
	assert.Contains(t, ee.Message, "context must not be Background()")
	assert.Contains(t, ee.Message, "test location")
}

func TestContextNotBackgroundFailsOnNil(t *testing.T) {
	ee := recoverEffectError(t, func() {
		invariant.ContextNotBackground(nil, "test location")
	})
	assert.Contains(t, ee.Message, "context must not be nil")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
