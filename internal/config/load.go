package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Judge 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Concurrency:   1,
		ChunkSize:     20,
		MaxAttempts:   3,
		BackoffBaseMS: 200,
		BackoffCapMS:  2000,
		Components: Components{
			Reader:        "fs",
			Loader:        "records",
			Filter:        "verbsense",
			Chunker:       "fixed",
			PromptBuilder: "classify",
			Decoder:       "strictmap",
			Aggregator:    "ordered",
			Writer:        "fs",
		},
	}
}

// LoadFile 从文件路径或原始字节解析 Config（严格拒绝未知字段）。
// 扩展名 .yaml/.yml 按 YAML 解析，其余按 JSON。
func LoadFile(path string, raw []byte) (Config, error) {
	var cfg Config
	switch {
	case len(raw) > 0:
		// 原始字节视为 JSON
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		raw = b
		if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
			jb, err := yamlToJSON(raw)
			if err != nil {
				return cfg, fmt.Errorf("yaml: %w", err)
			}
			raw = jb
		}
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// yamlToJSON: YAML → 通用结构 → JSON。
// 未知字段校验统一发生在随后的 JSON 严格解码。
func yamlToJSON(in []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(in, &v); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(v))
}

// normalizeYAML 把 map[any]any 键转为字符串，便于 JSON 序列化。
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeYAML(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(vv)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	// 顶层
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.ChunkSize != 0 {
		out.ChunkSize = over.ChunkSize
	}
	if over.MaxAttempts != 0 {
		out.MaxAttempts = over.MaxAttempts
	}
	if over.BackoffBaseMS != 0 {
		out.BackoffBaseMS = over.BackoffBaseMS
	}
	if over.BackoffCapMS != 0 {
		out.BackoffCapMS = over.BackoffCapMS
	}
	if over.BudgetSeconds != 0 {
		out.BudgetSeconds = over.BudgetSeconds
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	// 组件名（空不覆盖）
	if over.Components.Reader != "" {
		out.Components.Reader = over.Components.Reader
	}
	if over.Components.Loader != "" {
		out.Components.Loader = over.Components.Loader
	}
	if over.Components.Filter != "" {
		out.Components.Filter = over.Components.Filter
	}
	if over.Components.Chunker != "" {
		out.Components.Chunker = over.Components.Chunker
	}
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Decoder != "" {
		out.Components.Decoder = over.Components.Decoder
	}
	if over.Components.Aggregator != "" {
		out.Components.Aggregator = over.Components.Aggregator
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		if out.Provider == nil {
			out.Provider = make(map[string]Provider, len(over.Provider))
		}
		for k, v := range over.Provider {
			out.Provider[k] = v
		}
	}

	// Options（完整替换对应键）
	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Loader) > 0 {
		out.Options.Loader = cloneRaw(over.Options.Loader)
	}
	if len(over.Options.Filter) > 0 {
		out.Options.Filter = cloneRaw(over.Options.Filter)
	}
	if len(over.Options.Chunker) > 0 {
		out.Options.Chunker = cloneRaw(over.Options.Chunker)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Decoder) > 0 {
		out.Options.Decoder = cloneRaw(over.Options.Decoder)
	}
	if len(over.Options.Aggregator) > 0 {
		out.Options.Aggregator = cloneRaw(over.Options.Aggregator)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}

	// Judge 名称
	if strings.TrimSpace(over.Judge) != "" {
		out.Judge = strings.TrimSpace(over.Judge)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 SENSEGATE_；匹配本集合之外的键忽略。
// 支持：INPUTS, CONCURRENCY, CHUNK_SIZE, MAX_ATTEMPTS, BACKOFF_BASE_MS,
// BACKOFF_CAP_MS, BUDGET_SECONDS, JUDGE, LOG_LEVEL, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,MIN_INTERVAL_MS}
// / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// provider 聚合
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, "SENSEGATE_") {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len("SENSEGATE_") {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		nk := strings.TrimPrefix(key, "SENSEGATE_")
		switch nk {
		case "INPUTS":
			if val != "" {
				over.Inputs = splitComma(val)
			}
		case "CONCURRENCY":
			if v, err := atoi(val); err == nil {
				over.Concurrency = v
			}
		case "CHUNK_SIZE":
			if v, err := atoi(val); err == nil {
				over.ChunkSize = v
			}
		case "MAX_ATTEMPTS":
			if v, err := atoi(val); err == nil {
				over.MaxAttempts = v
			}
		case "BACKOFF_BASE_MS":
			if v, err := atoi(val); err == nil {
				over.BackoffBaseMS = v
			}
		case "BACKOFF_CAP_MS":
			if v, err := atoi(val); err == nil {
				over.BackoffCapMS = v
			}
		case "BUDGET_SECONDS":
			if v, err := atoi(val); err == nil {
				over.BudgetSeconds = v
			}
		case "JUDGE":
			over.Judge = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "COMPONENTS_READER":
			over.Components.Reader = strings.TrimSpace(val)
		case "COMPONENTS_LOADER":
			over.Components.Loader = strings.TrimSpace(val)
		case "COMPONENTS_FILTER":
			over.Components.Filter = strings.TrimSpace(val)
		case "COMPONENTS_CHUNKER":
			over.Components.Chunker = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_DECODER":
			over.Components.Decoder = strings.TrimSpace(val)
		case "COMPONENTS_AGGREGATOR":
			over.Components.Aggregator = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if strings.HasPrefix(nk, "PROVIDER__") {
				parts := strings.Split(nk, "__")
				if len(parts) >= 3 {
					name := strings.TrimSpace(parts[1])
					field := strings.Join(parts[2:], "__")
					p := prov[name]
					changed := false
					switch field {
					case "CLIENT":
						if tv := strings.TrimSpace(val); tv != "" {
							p.Client = tv
							changed = true
						}
					case "LIMITS_RPM":
						if v, err := atoi(val); err == nil {
							p.Limits.RPM = v
							changed = true
						}
					case "LIMITS_MIN_INTERVAL_MS":
						if v, err := atoi(val); err == nil {
							p.Limits.MinIntervalMS = v
							changed = true
						}
					case "OPTIONS_JSON":
						// 原样 JSON；空值视为未设置，避免清空现有配置
						if strings.TrimSpace(val) != "" {
							p.Options = json.RawMessage(val)
							changed = true
						}
					default:
						// 其他键忽略
					}
					// 仅在发生有效变更时记录该 provider；避免空值覆盖配置文件
					if changed {
						prov[name] = p
					}
				}
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
