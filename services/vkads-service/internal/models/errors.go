package models

import (
	"errors"

	"github.com/grigta/vkads/services/vkads-service/internal/utils"
)

var (
	ErrInvalidRule          = errors.New("invalid rule")
	ErrInvalidScalingConfig = errors.New("invalid scaling config")
	ErrInvalidAccount       = errors.New("invalid account")
	ErrInvalidRunKind       = errors.New("invalid run kind")
	ErrTaskFinished         = errors.New("task already finished")
)

const MaxErrorLength = 500

// TruncateError shortens upstream error text before it is stored.
func TruncateError(s string) string {
	return utils.Truncate(s, MaxErrorLength)
}
