package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureClasses(t *testing.T) {
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("stopping container: %w", ErrUnavailable)))
	assert.False(t, IsRetryable(ErrImagePull))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(errors.New("unclassified")))

	assert.True(t, IsFatal(ErrImagePull))
	assert.True(t, IsFatal(ErrResourceExhausted))
	assert.True(t, IsFatal(fmt.Errorf("pulling image: %w", ErrImagePull)))
	assert.False(t, IsFatal(ErrUnavailable))
	assert.False(t, IsFatal(errors.New("unclassified")))
}

func TestTranslateCtx(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, translateCtx(ctx, nil))

	err := errors.New("engine said no")
	assert.Equal(t, err, translateCtx(ctx, err))

	assert.ErrorIs(t, translateCtx(ctx, context.DeadlineExceeded), ErrTimeout)

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	assert.ErrorIs(t, translateCtx(expired, errors.New("i/o timeout")), ErrTimeout)
}
