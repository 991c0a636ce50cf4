package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock 判定器与合理限额（本地/离线调试友好）；
// - 默认输入为 STDIN（"-"），Writer 输出到 ./out 目录；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:        []string{"-"},
		Concurrency:   d.Concurrency,
		ChunkSize:     d.ChunkSize,
		MaxAttempts:   d.MaxAttempts,
		BackoffBaseMS: d.BackoffBaseMS,
		BackoffCapMS:  d.BackoffCapMS,
		Logging:       Logging{Level: "info"},
		Components:    d.Components,
		Judge:         "mock",
		Provider: map[string]Provider{
			"mock": {
				Client: "mock",
				// 包含所有 mock 选项键（可为空）
				Options: json.RawMessage(`{"api_key":"","response_mode":""}`),
				Limits:  Limits{RPM: 60, MinIntervalMS: 0},
			},
			"openai": {
				Client: "openai",
				// 覆盖全部 OpenAI 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 0, MinIntervalMS: 0},
			},
			"gemini": {
				Client: "gemini",
				// 覆盖全部 Gemini 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "temperature": null
}`),
				Limits: Limits{RPM: 0, MinIntervalMS: 0},
			},
		},
	}
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "include_exts": [".jsonl", ".json"]
}`)
	cfg.Options.Loader = json.RawMessage(`{
  "max_record_bytes": 1048576
}`)
	cfg.Options.Filter = json.RawMessage(`{
  "verb_tags": ["VB", "VBD", "VBG", "VBN", "VBP", "VBZ"]
}`)
	// chunker.fixed 当前无配置项，保持空对象
	cfg.Options.Chunker = json.RawMessage(`{}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "max_raw_bytes": 4194304
}`)
	// ordered 聚合器无配置项，保持空对象
	cfg.Options.Aggregator = json.RawMessage(`{}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
