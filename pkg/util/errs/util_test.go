package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSilentError(t *testing.T) {
	err := WrapSilent(context.Canceled)
	assert.True(t, IsSilent(err))
	assert.True(t, IsSilent(fmt.Errorf("class x: %w", err)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, context.Canceled.Error(), err.Error())

	assert.False(t, IsSilent(errors.New("loud")))
	assert.Nil(t, WrapSilent(nil))
	assert.True(t, IsSilent(NewSilentErr("skipped %d", 3)))
}
