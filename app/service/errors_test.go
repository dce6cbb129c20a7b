package service

import (
	"errors"
	"strings"
	"testing"
)

func TestFailureMessageByErrorType(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"任务不存在", &NotFoundError{JobID: 1}, "任务不存在"},
		{"引用无效", &InvalidReferenceError{Ref: "bad"}, "媒体引用无效"},
		{"下载失败", &FetchError{Ref: "u", Reason: "超时"}, "媒体下载失败: 超时"},
		{"转写失败", &TranscribeError{JobID: 1, Reason: "模型错误"}, "音频转写失败: 模型错误"},
		{"持久化失败", &PersistError{Op: "写入转写结果", Err: errors.New("disk full")}, "结果保存失败"},
		{"未知错误", errors.New("boom"), "boom"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := failureMessage(tc.err); got != tc.want {
				t.Errorf("failureMessage() = %q, 期望 %q", got, tc.want)
			}
		})
	}
}

func TestErrorsUnwrapToCause(t *testing.T) {
	cause := errors.New("connection reset")

	for _, err := range []error{
		&FetchError{Ref: "u", Reason: "x", Err: cause},
		&TranscribeError{JobID: 1, Reason: "x", Err: cause},
		&PersistError{Op: "x", Err: cause},
	} {
		if !errors.Is(err, cause) {
			t.Errorf("%T 应能展开到原始错误", err)
		}
	}
}

func TestAsFetchErrorPreservesClosedTypes(t *testing.T) {
	svc := &PipelineService{}

	invalid := &InvalidReferenceError{Ref: "bad"}
	if got := svc.asFetchError("bad", invalid); got != invalid {
		t.Errorf("已是封闭类型的错误不应被包装: %T", got)
	}

	plain := errors.New("dns failure")
	var fetchErr *FetchError
	if !errors.As(svc.asFetchError("u", plain), &fetchErr) {
		t.Fatal("普通错误应被包装为 *FetchError")
	}
	if fetchErr.Reason != "dns failure" || !errors.Is(fetchErr, plain) {
		t.Errorf("包装后的错误内容错误: %+v", fetchErr)
	}
}

func TestErrorMessagesCarryContext(t *testing.T) {
	err := &FetchError{Ref: "https://example.com/v", Reason: "超时"}
	if !strings.Contains(err.Error(), "https://example.com/v") {
		t.Errorf("错误信息应包含媒体引用: %q", err.Error())
	}

	notFound := &NotFoundError{JobID: 42}
	if !strings.Contains(notFound.Error(), "42") {
		t.Errorf("错误信息应包含任务ID: %q", notFound.Error())
	}
}
