package gphotos

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode 按错误种类分类，而不是按消息文本
type ErrorCode string

const (
	// CodeTransient 网络错误、超时、RESOURCE_EXHAUSTED，可退避重试
	CodeTransient ErrorCode = "TRANSIENT"
	// CodeInvalidArgument 请求本身被拒绝，针对单个条目永久失败
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// CodeNoAlbumPermission 无权向指定相册添加条目
	CodeNoAlbumPermission ErrorCode = "NO_ALBUM_PERMISSION"
	// CodeFatal 其余所有错误，终止整个运行
	CodeFatal ErrorCode = "FATAL"
)

// Op 标记错误发生在哪个远端操作上
type Op string

const (
	OpCreateAlbum     Op = "createAlbum"
	OpListAlbums      Op = "listAlbums"
	OpUploadMediaData Op = "uploadMediaData"
	OpCreateMediaItem Op = "createMediaItems"
	OpBatchAdd        Op = "batchAddMediaItems"
	OpListAlbumItems  Op = "listAlbumItems"
)

// APIError 是客户端边界上唯一的错误类型，每个远端错误只分类一次
type APIError struct {
	Code    ErrorCode
	Op      Op
	Message string
	cause   error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.cause)
	}
	return string(e.Op)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// NewAPIError 构造已分类的错误
func NewAPIError(code ErrorCode, op Op, message string) *APIError {
	return &APIError{Code: code, Op: op, Message: message}
}

// Classify 在客户端边界上把底层错误翻译为 APIError。
// 已经是 APIError 的错误原样返回，避免二次分类。
func Classify(op Op, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	code := CodeFatal
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTransient
	case errors.As(err, &netErr):
		code = CodeTransient
	}
	return &APIError{Code: code, Op: op, Message: err.Error(), cause: err}
}

// CodeOf 取出错误的分类，非 APIError 一律视为 FATAL
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeFatal
}

// OpOf 取出错误发生的操作
func OpOf(err error) Op {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Op
	}
	return ""
}
