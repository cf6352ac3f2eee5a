package core

import (
	"fmt"
	"os"
	"time"

	"gphotosync/pkg/gphotos"
	"gphotosync/pkg/state"
	"gphotosync/pkg/ui"
)

// Config 表示一次上传运行的配置
type Config struct {
	// Root 本地照片树根目录
	Root string
	// Resume 为 false 时全部文件重新上传
	Resume bool
	// Parallelism 上传工作池大小
	Parallelism int
	// MaxRetries 暂时性错误的连续重试预算
	MaxRetries int
	// StateFile 状态文档路径，空则使用按系统约定的默认位置
	StateFile string
	// Timeout 整个运行的截止时长，0 表示不限
	Timeout    time.Duration
	LogFile    string
	LogLevel   string
	NoProgress bool

	// Client 远端照片服务客户端，由入口装配
	Client gphotos.Client
	// Progress 进度流工厂，空则根据 NoProgress 自动选择
	Progress ui.Factory
	// Now 可注入时钟
	Now func() time.Time
}

// Validate 进行基础校验并填充默认值
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("必须指定源目录")
	}
	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("源目录不可用: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("源路径不是目录: %s", c.Root)
	}
	if c.Client == nil {
		return fmt.Errorf("未配置远端客户端")
	}
	if c.StateFile == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return err
		}
		c.StateFile = path
	}
	return nil
}
