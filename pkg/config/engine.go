package config

import (
	"errors"
	"fmt"
	"time"
)

// 引擎默认参数。平滑系数与退避常量没有唯一正确值，这里取经验值并允许在配置文件中覆盖
const (
	DefaultMaxConcurrent     = 4
	DefaultPerConnection     = 2
	DefaultChunkSize         = 32 * 1024 // 32KB，与 SFTP 单包大小一致
	DefaultSampleInterval    = 500 * time.Millisecond
	DefaultThrottleInterval  = 200 * time.Millisecond
	DefaultSmoothing         = 0.3
	DefaultMaxAttempts       = 5
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultConnectTimeout    = 15 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultMaxChannels       = 10

	// NoRetry 写入 retry.max_attempts 时关闭重试，0 仍表示取默认值
	NoRetry = -1
)

// EngineConfig 是会话与传输引擎的运行参数
type EngineConfig struct {
	Transfer TransferConfig `yaml:"transfer"`
	Progress ProgressConfig `yaml:"progress"`
	Retry    RetryConfig    `yaml:"retry"`
	Connect  ConnectConfig  `yaml:"connect"`
}

// TransferConfig 控制传输队列的并发
type TransferConfig struct {
	MaxConcurrent int   `yaml:"max_concurrent"` // 全局同时传输的任务数 C
	PerConnection int   `yaml:"per_connection"` // 单连接同时传输的任务数 Cc
	ChunkSize     int64 `yaml:"chunk_size"`     // 单次读写的块大小
}

// ProgressConfig 控制速度采样与进度事件节流
type ProgressConfig struct {
	SampleInterval   time.Duration `yaml:"sample_interval"`
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	Smoothing        float64       `yaml:"smoothing"` // EWMA 系数 alpha, (0,1]
}

// RetryConfig 控制瞬时故障的指数退避
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // -1 (NoRetry) 关闭重试
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ConnectConfig 控制连接建立与保活
type ConnectConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"` // 0 表示关闭心跳
	MaxChannels       int           `yaml:"max_channels"`       // 单连接最多同时打开的子通道
	KnownHosts        string        `yaml:"known_hosts,omitempty"`
	ProbeOnTimeout    bool          `yaml:"probe_on_timeout,omitempty"` // 拨号超时后用 ICMP 区分不可达与超时
}

// DefaultEngineConfig 返回默认参数
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Transfer: TransferConfig{
			MaxConcurrent: DefaultMaxConcurrent,
			PerConnection: DefaultPerConnection,
			ChunkSize:     DefaultChunkSize,
		},
		Progress: ProgressConfig{
			SampleInterval:   DefaultSampleInterval,
			ThrottleInterval: DefaultThrottleInterval,
			Smoothing:        DefaultSmoothing,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		Connect: ConnectConfig{
			Timeout:           DefaultConnectTimeout,
			KeepAliveInterval: DefaultKeepAliveInterval,
			MaxChannels:       DefaultMaxChannels,
		},
	}
}

// ApplyDefaults 用默认值填充未设置 (零值) 的字段
func (c *EngineConfig) ApplyDefaults() {
	d := DefaultEngineConfig()
	if c.Transfer.MaxConcurrent == 0 {
		c.Transfer.MaxConcurrent = d.Transfer.MaxConcurrent
	}
	if c.Transfer.PerConnection == 0 {
		c.Transfer.PerConnection = min(d.Transfer.PerConnection, c.Transfer.MaxConcurrent)
	}
	if c.Transfer.ChunkSize == 0 {
		c.Transfer.ChunkSize = d.Transfer.ChunkSize
	}
	if c.Progress.SampleInterval == 0 {
		c.Progress.SampleInterval = d.Progress.SampleInterval
	}
	if c.Progress.ThrottleInterval == 0 {
		c.Progress.ThrottleInterval = d.Progress.ThrottleInterval
	}
	if c.Progress.Smoothing == 0 {
		c.Progress.Smoothing = d.Progress.Smoothing
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Connect.Timeout == 0 {
		c.Connect.Timeout = d.Connect.Timeout
	}
	if c.Connect.MaxChannels == 0 {
		c.Connect.MaxChannels = d.Connect.MaxChannels
	}
}

// Validate 检查参数的取值范围
func (c EngineConfig) Validate() error {
	var errs []error
	if c.Transfer.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("transfer.max_concurrent must be >= 1, got %d", c.Transfer.MaxConcurrent))
	}
	if c.Transfer.PerConnection < 1 || c.Transfer.PerConnection > c.Transfer.MaxConcurrent {
		errs = append(errs, fmt.Errorf("transfer.per_connection must be in [1, %d], got %d", c.Transfer.MaxConcurrent, c.Transfer.PerConnection))
	}
	if c.Transfer.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize))
	}
	if c.Progress.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("progress.sample_interval must be positive"))
	}
	if c.Progress.ThrottleInterval < 0 {
		errs = append(errs, fmt.Errorf("progress.throttle_interval must not be negative"))
	}
	if c.Progress.Smoothing <= 0 || c.Progress.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("progress.smoothing must be in (0, 1], got %g", c.Progress.Smoothing))
	}
	if c.Retry.MaxAttempts < NoRetry {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= %d, got %d", NoRetry, c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay"))
	}
	if c.Connect.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("connect.timeout must be positive"))
	}
	if c.Connect.KeepAliveInterval < 0 {
		errs = append(errs, fmt.Errorf("connect.keepalive_interval must not be negative"))
	}
	if c.Connect.MaxChannels < 1 {
		errs = append(errs, fmt.Errorf("connect.max_channels must be >= 1"))
	}
	return errors.Join(errs...)
}
