package schederr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	base := errors.New("missing job dependency J2")
	err := SchedulerData("missing job dependency J2", base)
	wrapped := fmt.Errorf("finalize: %w", err)

	assert.True(t, Is(wrapped, CategorySchedulerData))
	assert.False(t, Is(wrapped, CategoryVCS))
	assert.Contains(t, err.Error(), "missing job dependency J2")
}
