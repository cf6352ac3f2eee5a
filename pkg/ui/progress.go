package ui

import (
	"io"
	"log/slog"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// KeyedError 是带键的条目级错误，键通常是文件路径或相册 URL
type KeyedError struct {
	Key     string
	Message string
}

// Status 是一条命名进度流。KeyedError 只记录不抛出，
// Close 保证只生效一次，success 反映整条流的最终结果。
type Status interface {
	IncrementSuccess()
	KeyedError(key, message string)
	Close(success bool)
}

// Factory 按名称创建进度流，total < 0 表示总数未知
type Factory interface {
	New(name string, total int) Status
}

// BarFactory 用单行进度条渲染每条进度流
type BarFactory struct {
	writer io.Writer
	logger *slog.Logger
}

// NewBarFactory 创建终端进度条工厂
func NewBarFactory(writer io.Writer, logger *slog.Logger) *BarFactory {
	return &BarFactory{writer: writer, logger: logger}
}

func (f *BarFactory) New(name string, total int) Status {
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(f.writer),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
	return &barStatus{name: name, bar: bar, logger: f.logger}
}

type barStatus struct {
	name   string
	bar    *progressbar.ProgressBar
	logger *slog.Logger

	mu        sync.Mutex
	closeOnce sync.Once
}

func (s *barStatus) IncrementSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Add(1)
}

func (s *barStatus) KeyedError(key, message string) {
	if s.logger != nil {
		s.logger.Error(s.name, "key", key, "err", message)
	}
}

func (s *barStatus) Close(success bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.bar.Finish()
		if s.logger != nil {
			s.logger.Debug("进度流结束", "name", s.name, "success", success)
		}
	})
}

// NoopFactory 在 --no-progress 下使用
type NoopFactory struct{}

func (NoopFactory) New(name string, total int) Status { return noopStatus{} }

type noopStatus struct{}

func (noopStatus) IncrementSuccess()          {}
func (noopStatus) KeyedError(key, msg string) {}
func (noopStatus) Close(success bool)         {}

// RecordingFactory 把所有事件录下来，供测试断言
type RecordingFactory struct {
	mu        sync.Mutex
	successes map[string]int
	errors    map[string][]KeyedError
	closes    map[string][]bool
}

// NewRecordingFactory 创建录制工厂
func NewRecordingFactory() *RecordingFactory {
	return &RecordingFactory{
		successes: make(map[string]int),
		errors:    make(map[string][]KeyedError),
		closes:    make(map[string][]bool),
	}
}

func (f *RecordingFactory) New(name string, total int) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.errors[name]; !ok {
		f.errors[name] = nil
	}
	return &recordingStatus{factory: f, name: name}
}

// Successes 返回指定流累计的成功次数
func (f *RecordingFactory) Successes(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successes[name]
}

// Errors 返回指定流记录的全部带键错误
func (f *RecordingFactory) Errors(name string) []KeyedError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]KeyedError(nil), f.errors[name]...)
}

// ErrorsByStream 返回所有流的错误记录
func (f *RecordingFactory) ErrorsByStream() map[string][]KeyedError {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string][]KeyedError, len(f.errors))
	for name, errs := range f.errors {
		result[name] = append([]KeyedError(nil), errs...)
	}
	return result
}

// Closes 返回指定流的关闭记录
func (f *RecordingFactory) Closes(name string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.closes[name]...)
}

// Reset 清空全部记录
func (f *RecordingFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = make(map[string]int)
	f.errors = make(map[string][]KeyedError)
	f.closes = make(map[string][]bool)
}

type recordingStatus struct {
	factory   *RecordingFactory
	name      string
	closeOnce sync.Once
}

func (s *recordingStatus) IncrementSuccess() {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	s.factory.successes[s.name]++
}

func (s *recordingStatus) KeyedError(key, message string) {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	s.factory.errors[s.name] = append(s.factory.errors[s.name], KeyedError{Key: key, Message: message})
}

func (s *recordingStatus) Close(success bool) {
	s.closeOnce.Do(func() {
		s.factory.mu.Lock()
		defer s.factory.mu.Unlock()
		s.factory.closes[s.name] = append(s.factory.closes[s.name], success)
	})
}
