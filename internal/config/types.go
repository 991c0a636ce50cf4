package config

import (
	"encoding/json"
	"fmt"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs      []string `json:"inputs"`
	Concurrency int      `json:"concurrency"`
	// ChunkSize: 每块最大句子数（>=1）。
	ChunkSize int `json:"chunk_size"`
	// MaxAttempts: 单块判定的最大尝试次数（>=1）。1 表示不重试。
	MaxAttempts int `json:"max_attempts"`
	// 退避参数（毫秒）。
	BackoffBaseMS int `json:"backoff_base_ms"`
	BackoffCapMS  int `json:"backoff_cap_ms"`
	// BudgetSeconds: 整次运行的墙钟预算（秒）；0 表示不限。
	BudgetSeconds int     `json:"budget_seconds"`
	Logging       Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// 判定 Provider 选择与定义。
	Judge    string              `json:"judge"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Loader        string `json:"loader"`
	Filter        string `json:"filter"`
	Chunker       string `json:"chunker"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Aggregator    string `json:"aggregator"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Loader        json.RawMessage `json:"loader"`
	Filter        json.RawMessage `json:"filter"`
	Chunker       json.RawMessage `json:"chunker"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Aggregator    json.RawMessage `json:"aggregator"`
	Writer        json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（judge 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM           int `json:"rpm"`
	MinIntervalMS int `json:"min_interval_ms"`
}

// ConfigurationError: 运行前的致命配置错误。
// CLI 据此选择独立退出码，区别于运行期失败。
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return "config: " + e.msg }

func confErrf(format string, args ...any) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}
