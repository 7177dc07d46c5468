package agent

import (
	"errors"
	"fmt"
)

// ErrCacheMiss 表示网络失败且缓存中没有可用的回退条目。
var ErrCacheMiss = errors.New("offline cache miss")

// MissError 记录一次未命中：请求 URL、导致回退的网络错误，以及查找过程中的存储错误。
type MissError struct {
	URL        string
	NetworkErr error
	LookupErr  error
}

func (e *MissError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.URL, ErrCacheMiss)
	if e.NetworkErr != nil {
		msg += fmt.Sprintf(" (network: %v)", e.NetworkErr)
	}
	if e.LookupErr != nil {
		msg += fmt.Sprintf(" (lookup: %v)", e.LookupErr)
	}
	return msg
}

func (e *MissError) Is(target error) bool {
	return target == ErrCacheMiss
}

func (e *MissError) Unwrap() []error {
	var errs []error
	if e.NetworkErr != nil {
		errs = append(errs, e.NetworkErr)
	}
	if e.LookupErr != nil {
		errs = append(errs, e.LookupErr)
	}
	return errs
}
