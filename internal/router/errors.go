package router

import (
	"errors"
	"fmt"

	"inquirychat/pkg/types"
)

var (
	ErrRateLimitExceeded = fmt.Errorf("%w: rate limit exceeded", types.ErrBadRequest)
	ErrSenderNotBound    = errors.New("sender connection is not bound to an inquiry")
)

// failurePrefix leads every error event sent back to a sender
const failurePrefix = "消息处理失败: "

// errorText renders err for the sender. Only client mistakes are described;
// anything else is reported as an internal error.
func errorText(err error) string {
	if errors.Is(err, types.ErrBadRequest) {
		return failurePrefix + err.Error()
	}
	return failurePrefix + types.ErrInternal.Error()
}
