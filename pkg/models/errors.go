package models

import "errors"

var (
	// ErrNotInitialized 在初始化之前调用
	ErrNotInitialized = errors.New("not initialized")
	// ErrCoreNotFound 未知的核心ID
	ErrCoreNotFound = errors.New("core not found")
	// ErrDeviceError 硬件调用失败
	ErrDeviceError = errors.New("device error")
	// ErrDuplicateTask 任务ID已存在
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrInvalidArgument 参数违反调度或策略约定
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTimeout 硬件调用超时，总是与 ErrDeviceError 一起包装
	ErrTimeout = errors.New("hardware call timed out")
)
