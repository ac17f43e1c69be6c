// Package api 设备端访问考勤服务的 HTTP 客户端。
package api

import (
	"fmt"

	"SiteAttend/pkg/errors"
)

// Outcome 一次远程调用的结果分类，离线分支据此显式选择
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeRejected 服务端给出了业务错误
	OutcomeRejected
	// OutcomeNetworkFailure 连接失败、超时或服务端暂不可用，可以离线重放
	OutcomeNetworkFailure
	OutcomeAuthFailure
	// OutcomeCanceled 调用方取消，不得产生任何本地变更
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNetworkFailure:
		return "network_failure"
	case OutcomeAuthFailure:
		return "auth_failure"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Result struct {
	Err        error
	Outcome    Outcome
	StatusCode int
}

func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Rejected 服务端以指定业务错误拒绝
func (r Result) Rejected(def errors.Definition) bool {
	if r.Outcome != OutcomeRejected || r.Err == nil {
		return false
	}
	got, ok := errors.As(r.Err)
	return ok && got.Code == def.Code
}

// Error 非 OK 时返回带分类的错误
func (r Result) Error() error {
	if r.Outcome == OutcomeOK {
		return nil
	}
	if r.Err == nil {
		return fmt.Errorf("request %s (status %d)", r.Outcome, r.StatusCode)
	}
	if r.Outcome == OutcomeRejected {
		return r.Err
	}
	return fmt.Errorf("request %s: %w", r.Outcome, r.Err)
}
