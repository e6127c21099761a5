package testing

import (
	"testing"

	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/types"
)

// NewTestLogger creates a new logger instance that writes to the testing.T logger.
// This is useful for seeing log output during test runs.
func NewTestLogger(t *testing.T) types.Logger {
	return logging.NewTest(t)
}
