package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageFormatting(t *testing.T) {
	err := New(InvalidConfig, "unsupported mode")
	assert.Equal(t, "unsupported mode", err.Error())

	wrapped := Wrap(fmt.Errorf("yaml: line 3"), InvalidConfig, "failed to parse config")
	assert.Equal(t, "failed to parse config: yaml: line 3", wrapped.Error())
}

func TestNewf(t *testing.T) {
	err := Newf(BoundsViolation, "parameter %q testvalue outside bounds", "depth")
	assert.Contains(t, err.Error(), `parameter "depth"`)

	var e *Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, BoundsViolation, e.Code())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, StoreFailure, "save stage"))
	assert.Nil(t, WithFields(nil, Fields{"stage": 3}))
}

func TestWithFields(t *testing.T) {
	err := New(InconsistentHyperparameters, "missing hyperparameter")
	err = WithFields(err, Fields{"hyper": "h_geodetic"})

	var e *Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, "h_geodetic", e.Fields()["hyper"])
	assert.Contains(t, err.Error(), "hyper=h_geodetic")

	// Fields on a foreign error adopt code Unknown but keep the chain.
	plain := fmt.Errorf("disk full")
	err = WithFields(plain, Fields{"path": "/tmp/run"})
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, Unknown, e.Code())
	assert.Equal(t, plain, stderrors.Unwrap(err))
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(New(NumericalFailure, "cholesky failed"), NumericalFailure, "weight update")
	assert.True(t, stderrors.Is(err, New(NumericalFailure, "")))
	assert.False(t, stderrors.Is(err, New(ResumeMismatch, "")))
}

func TestHasCode(t *testing.T) {
	inner := New(ResumeMismatch, "stage shape mismatch")
	outer := fmt.Errorf("resume: %w", inner)
	assert.True(t, HasCode(outer, ResumeMismatch))
	assert.False(t, HasCode(outer, BoundsViolation))
	assert.False(t, HasCode(nil, ResumeMismatch))
}

func TestCheckContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, CheckContext(ctx, "sampling"))

	cancel()
	err := CheckContext(ctx, "sampling")
	require.Error(t, err)
	assert.True(t, HasCode(err, Canceled))
	assert.Contains(t, err.Error(), "sampling canceled")
}
