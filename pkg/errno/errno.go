package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, typed.Message
	}
	return InternalServerError.Code, err.Error()
}

// IsRetryable 判断错误是否为瞬时错误 (请求保持 queued, 下一轮可重试)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrFeeUnavailable) ||
		errors.Is(err, ErrSizeEstimation) ||
		errors.Is(err, ErrSubmitTx) ||
		errors.Is(err, ErrWalletBusy)
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrAPIPassword      = Errno{Code: 10003, Message: "Incorrect API password"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Business Errors (20000+)
//
// 瞬时错误 (retryable): 状态不变，调用方稍后重试
// 终态错误 (non-retryable): 受影响的请求被标记为 failed
var (
	ErrFeeUnavailable     = Errno{Code: 20101, Message: "Fee estimate unavailable from network"}
	ErrSizeEstimation     = Errno{Code: 20102, Message: "Transaction size estimation failed"}
	ErrSubmitTx           = Errno{Code: 20103, Message: "Transaction broadcast rejected or timed out"}
	ErrWalletBusy         = Errno{Code: 20104, Message: "Another decision cycle holds the wallet lock"}
	ErrBuildTx            = Errno{Code: 20201, Message: "Wallet could not build a valid transaction"}
	ErrInvalidAmount      = Errno{Code: 20202, Message: "Amount must be at least 1 satoshi"}
	ErrRequestNotFound    = Errno{Code: 20301, Message: "Payment request not found"}
	ErrInvalidTransition  = Errno{Code: 20302, Message: "Illegal payment request status transition"}
	ErrNetworkUnavailable = Errno{Code: 20401, Message: "Network collaborator not connected"}
)
