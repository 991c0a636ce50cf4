package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "sensegate/internal/config"
	"sensegate/internal/diag"
	"sensegate/internal/pipeline"
)

var pipelineRun = pipeline.Run

// CLI：默认动作为 run。
// 位置参数为 roots（文件/目录 或 "-" 表示 STDIN，不能与其他根混用）。
type cliFlags struct {
	config        string
	judge         string
	concurrency   int
	chunkSize     int
	maxAttempts   int
	budgetSeconds int
	logLevel      string
	initDir       string
	status        bool
	metricsFile   string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	code := 0
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fprintf(os.Stderr, "参数解析失败: %v\n", err)
		return 3
	}
	return code
}

func newRootCmd(exit *int) *cobra.Command {
	var fl cliFlags
	cmd := &cobra.Command{
		Use:           "sensegate [roots...]",
		Short:         "动词义门控 + 外部判定的 LITERAL/IDIOMATIC 句子分类流水线",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*exit = execute(fl, args)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.config, "config", "", "配置文件路径（JSON/YAML）；缺省读取 ./config.json（若存在）")
	f.StringVar(&fl.judge, "judge", "", "provider 名称（覆盖配置）")
	f.IntVar(&fl.concurrency, "concurrency", 0, "并发度（覆盖配置）")
	f.IntVar(&fl.chunkSize, "chunk-size", 0, "每块最大句子数（覆盖配置）")
	f.IntVar(&fl.maxAttempts, "max-attempts", 0, "单块判定的最大尝试次数（覆盖配置）")
	f.IntVar(&fl.budgetSeconds, "budget-seconds", 0, "整次运行的墙钟预算秒数（覆盖配置；0 不限）")
	f.StringVar(&fl.logLevel, "log-level", "", "日志等级（覆盖配置）")
	f.StringVar(&fl.initDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（不覆盖已存在文件）")
	f.BoolVar(&fl.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	f.StringVar(&fl.metricsFile, "metrics-file", "", "退出时将指标以 Prometheus 文本格式写入该路径")
	return cmd
}

func execute(fl cliFlags, roots []string) int {
	start := time.Now()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = godotenv.Load()
	corrID := uuid.NewString()
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel)

	// --init-config: 生成模板并退出
	if dir := strings.TrimSpace(fl.initDir); dir != "" {
		if err := initConfigDir(dir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "init config failed", &start)
			return 3
		}
		return 0
	}

	cfg, err := buildConfig(fl, roots)
	if err != nil {
		fprintf(os.Stderr, "配置解析失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "config failed", &start)
		return 3
	}

	// 基本校验
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		logger.Error("cli", string(diag.Classify(err)), "validate failed", &start)
		return 3
	}

	// 使用最终配置中的日志级别重建 logger
	if strings.TrimSpace(cfg.Logging.Level) != "" {
		logLevel = strings.TrimSpace(cfg.Logging.Level)
	}
	logger = diag.NewLogger(corrID, logLevel)
	defer logger.Sync()

	// 预检：若使用文件系统 Writer，检查输出目录的可写性
	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "preflight failed", &start)
		return 3
	}

	comp, set, _, _, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "assemble failed", &start)
		return 3
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, fl.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	if term != nil {
		term.RunStart(cfg.Concurrency, cfg.Judge)
	}

	// debug: 输出运行时配置信息（已脱敏）
	logEffectiveConfig(logger, cfg)

	// 运行流水线
	t := logger.Start("pipeline", "run")
	snap, err := pipelineRun(context.Background(), comp, set, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		writeMetrics(fl.metricsFile)
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		if term != nil {
			term.RunFinish(false, time.Since(start))
		}
		return 1
	}
	if t != nil {
		t.Finish("run", snap.Total)
	}
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	writeMetrics(fl.metricsFile)
	if term != nil {
		term.RunFinish(true, time.Since(start))
	}
	// 最终分区摘要：分类 / 未决 / 门控丢弃
	fprintf(os.Stderr, "总计 %d：分类 %d（字面 %d / 习语 %d），未决 %d，丢弃 %d；块 %d，尝试 %d\n",
		snap.Total, snap.Classified, snap.Literal, snap.Idiomatic, snap.Unresolved, snap.Dropped, snap.Chunks, snap.Attempts)
	return 0
}

// buildConfig: Defaults → 文件 → ENV → CLI，按优先级合并。
func buildConfig(fl cliFlags, roots []string) (cfgpkg.Config, error) {
	// JSON 配置（文件或 ENV: SENSEGATE_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv("SENSEGATE_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	path := fl.config
	if path == "" {
		if s := os.Getenv("SENSEGATE_CONFIG_FILE"); s != "" {
			path = s
		}
	}
	// 默认读取工作目录下 config.json（若存在）
	if path == "" && len(cfgJSON) == 0 {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadFile(path, cfgJSON)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	// ENV 覆盖（最小集合）
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	var overCLI cfgpkg.Config
	if fl.judge != "" {
		overCLI.Judge = fl.judge
	}
	if fl.concurrency > 0 {
		overCLI.Concurrency = fl.concurrency
	}
	if fl.chunkSize > 0 {
		overCLI.ChunkSize = fl.chunkSize
	}
	if fl.maxAttempts > 0 {
		overCLI.MaxAttempts = fl.maxAttempts
	}
	if fl.budgetSeconds > 0 {
		overCLI.BudgetSeconds = fl.budgetSeconds
	}
	if fl.logLevel != "" {
		overCLI.Logging.Level = fl.logLevel
	}
	if len(roots) > 0 {
		overCLI.Inputs = roots
	}
	return cfgpkg.Merge(cfg, overCLI), nil
}

// initConfigDir 在目录下生成 config.json 与 .env 模板。
func initConfigDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg := cfgpkg.DefaultTemplateConfig()
	if err := writeConfig(filepath.Join(dir, "config.json"), cfg); err != nil {
		return err
	}
	// .env 模板失败不致命
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func logEffectiveConfig(logger *diag.Logger, cfg cfgpkg.Config) {
	if logger == nil {
		return
	}
	kv := map[string]string{
		"inputs_count":   fmt.Sprintf("%d", len(cfg.Inputs)),
		"concurrency":    fmt.Sprintf("%d", cfg.Concurrency),
		"chunk_size":     fmt.Sprintf("%d", cfg.ChunkSize),
		"max_attempts":   fmt.Sprintf("%d", cfg.MaxAttempts),
		"judge":          cfg.Judge,
		"reader":         cfg.Components.Reader,
		"loader":         cfg.Components.Loader,
		"filter":         cfg.Components.Filter,
		"chunker":        cfg.Components.Chunker,
		"prompt_builder": cfg.Components.PromptBuilder,
		"decoder":        cfg.Components.Decoder,
		"aggregator":     cfg.Components.Aggregator,
		"writer":         cfg.Components.Writer,
	}
	// 提取 Provider 关键信息（不含密钥）
	if p, ok := cfg.Provider[cfg.Judge]; ok {
		kv["provider_client"] = p.Client
		type small struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		var s small
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

// writeMetrics: 计数更新完毕后落盘（尽力而为）。
func writeMetrics(path string) {
	if path == "" {
		return
	}
	if err := diag.WriteMetricsFile(path); err != nil {
		fprintf(os.Stderr, "指标写出失败: %v\n", err)
	}
}

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
// 仅创建文件；不覆盖，不合并。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	b.WriteString("# sensegate .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置；按需填写后移除本行注释。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("SENSEGATE_CONFIG_FILE=\n")
	b.WriteString("SENSEGATE_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	b.WriteString("SENSEGATE_INPUTS=\n")
	b.WriteString("SENSEGATE_CONCURRENCY=\n")
	b.WriteString("SENSEGATE_CHUNK_SIZE=\n")
	b.WriteString("SENSEGATE_MAX_ATTEMPTS=\n")
	b.WriteString("SENSEGATE_BACKOFF_BASE_MS=\n")
	b.WriteString("SENSEGATE_BACKOFF_CAP_MS=\n")
	b.WriteString("SENSEGATE_BUDGET_SECONDS=\n")
	b.WriteString("SENSEGATE_JUDGE=\n")
	b.WriteString("SENSEGATE_LOG_LEVEL=\n\n")

	b.WriteString("# 组件选择\n")
	b.WriteString("SENSEGATE_COMPONENTS_READER=\n")
	b.WriteString("SENSEGATE_COMPONENTS_LOADER=\n")
	b.WriteString("SENSEGATE_COMPONENTS_FILTER=\n")
	b.WriteString("SENSEGATE_COMPONENTS_CHUNKER=\n")
	b.WriteString("SENSEGATE_COMPONENTS_PROMPT_BUILDER=\n")
	b.WriteString("SENSEGATE_COMPONENTS_DECODER=\n")
	b.WriteString("SENSEGATE_COMPONENTS_AGGREGATOR=\n")
	b.WriteString("SENSEGATE_COMPONENTS_WRITER=\n\n")

	b.WriteString("# Provider 覆盖（openai）\n")
	b.WriteString("SENSEGATE_PROVIDER__openai__CLIENT=\n")
	b.WriteString("SENSEGATE_PROVIDER__openai__LIMITS_RPM=\n")
	b.WriteString("SENSEGATE_PROVIDER__openai__LIMITS_MIN_INTERVAL_MS=\n")
	b.WriteString("SENSEGATE_PROVIDER__openai__OPTIONS_JSON=\n\n")

	b.WriteString("# Provider 覆盖（gemini）\n")
	b.WriteString("SENSEGATE_PROVIDER__gemini__CLIENT=\n")
	b.WriteString("SENSEGATE_PROVIDER__gemini__LIMITS_RPM=\n")
	b.WriteString("SENSEGATE_PROVIDER__gemini__LIMITS_MIN_INTERVAL_MS=\n")
	b.WriteString("SENSEGATE_PROVIDER__gemini__OPTIONS_JSON=\n\n")

	b.WriteString("# 常见供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GEMINI_API_KEY=\n")
	b.WriteString("\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// 规则：
// - 若目录已存在：尝试创建并删除临时文件；失败则判为不可写。
// - 若目录不存在：检查父目录是否可写（尝试在父目录创建并删除临时目录）。
// 仅针对 fs writer 生效；其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	def := cfgpkg.Defaults()
	writerName := cfg.Components.Writer
	if strings.TrimSpace(writerName) == "" {
		writerName = def.Components.Writer
	}
	if strings.TrimSpace(writerName) != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 未指定时无法可靠检查，让装配阶段按实现自行报错
		return nil
	}
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	} else if err == nil && !st.IsDir() {
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	parent := filepath.Dir(dir)
	if parent == "" || parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
