package jam

import "errors"

// 会话子系统的错误类型。用户触发的操作把这些错误原样抛给调用方，
// 后台维护操作（心跳、清扫、对账）吞掉错误等下一个周期重试。
var (
	// ErrNotFound 会话或参与者不存在
	ErrNotFound = errors.New("session not found")
	// ErrForbidden 非主持人尝试主持人专属操作
	ErrForbidden = errors.New("only the host may perform this operation")
	// ErrSessionFull 会话人数已达上限
	ErrSessionFull = errors.New("session is full")
	// ErrSessionEnded 会话已结束，终态
	ErrSessionEnded = errors.New("session has ended")
	// ErrCodeGenExhausted 加入码生成重试次数耗尽
	ErrCodeGenExhausted = errors.New("could not generate a unique join code")
)
