package service

import (
	"fmt"
)

// 流水线的失败类型是封闭的：外部协作者的错误在边界处被映射成
// 以下类型之一，调用方可以用 errors.As 区分处理。

// NotFoundError 任务不存在
type NotFoundError struct {
	JobID uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("任务不存在: id=%d", e.JobID)
}

// InvalidReferenceError 媒体引用非法，在任何外部调用之前被拒绝
type InvalidReferenceError struct {
	Ref string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("非法的媒体引用: %s", e.Ref)
}

// FetchError 元数据或音频下载失败，携带原始引用和失败原因
type FetchError struct {
	Ref    string
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("媒体获取失败: ref=%s, 原因: %s", e.Ref, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TranscribeError 转写失败
type TranscribeError struct {
	JobID  uint
	Reason string
	Err    error
}

func (e *TranscribeError) Error() string {
	return fmt.Sprintf("转写失败: job=%d, 原因: %s", e.JobID, e.Reason)
}

func (e *TranscribeError) Unwrap() error {
	return e.Err
}

// PersistError 关键路径上的持久化写入失败（不含尽力而为的元数据写入）
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("持久化失败: %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
