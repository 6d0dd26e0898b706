package types

import "fmt"

// ConfigError 表示启动前就能发现的配置问题 (非法 CIDR、模板缺少字段等)。
// 出现时不会启动任何进程，也不会发出任何网络请求。
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error at %s: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err with the stage it was detected in.
func NewConfigError(stage string, err error) *ConfigError {
	return &ConfigError{Stage: stage, Err: err}
}

// StartupError 表示代理引擎未能在超时前就绪。
type StartupError struct {
	Err    error
	Output string // 引擎最后的输出, 用于诊断
}

func (e *StartupError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("proxy engine startup failed: %v", e.Err)
	}
	return fmt.Sprintf("proxy engine startup failed: %v\noutput:\n%s", e.Err, e.Output)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProcessCrash 表示代理引擎在探测过程中意外退出。
type ProcessCrash struct {
	Err    error
	Output string
}

func (e *ProcessCrash) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("proxy engine exited unexpectedly: %v", e.Err)
	}
	return fmt.Sprintf("proxy engine exited unexpectedly: %v\noutput:\n%s", e.Err, e.Output)
}

func (e *ProcessCrash) Unwrap() error { return e.Err }
