package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "sensegate/internal/config"
	"sensegate/internal/diag"
	"sensegate/internal/pipeline"
	"sensegate/internal/tally"
)

// stubPipeline 替换 pipelineRun 并在测试结束后还原。
func stubPipeline(t *testing.T, fn func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (tally.Snapshot, error)) {
	t.Helper()
	orig := pipelineRun
	pipelineRun = fn
	t.Cleanup(func() { pipelineRun = orig })
}

func writeTestConfig(t *testing.T, outDir string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{
  "inputs": ["data.jsonl"],
  "judge": "mock",
  "provider": {"mock": {"client": "mock"}},
  "options": {"writer": {"output_dir": %q}}
}`, outDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunInitConfig(t *testing.T) {
	dir := t.TempDir()
	code := run([]string{"--init-config", dir})
	require.Equal(t, 0, code)
	_, err := os.Stat(filepath.Join(dir, "config.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".env"))
	assert.NoError(t, err)

	// 目录参数必须被 flag 消费，不得落入当前工作目录
	_, err = os.Stat("config.json")
	assert.True(t, os.IsNotExist(err), "模板写错了目录")

	// 再次生成不覆盖、不报错
	code = run([]string{"--init-config", dir})
	assert.Equal(t, 0, code)
}

func TestRunSuccess(t *testing.T) {
	var gotSet pipeline.Settings
	stubPipeline(t, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, lg *diag.Logger) (tally.Snapshot, error) {
		gotSet = set
		return tally.Snapshot{Total: 3, Retained: 2, Dropped: 1, Classified: 2, Literal: 2}, nil
	})
	cfgPath := writeTestConfig(t, t.TempDir())
	code := run([]string{"--config", cfgPath, "--status=false", "--chunk-size", "5"})
	assert.Equal(t, 0, code)
	assert.Equal(t, 5, gotSet.ChunkSize, "CLI 覆盖必须传至 Settings")
	assert.Equal(t, []string{"data.jsonl"}, gotSet.Inputs)
}

func TestRunPositionalRootsOverride(t *testing.T) {
	var gotSet pipeline.Settings
	stubPipeline(t, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, lg *diag.Logger) (tally.Snapshot, error) {
		gotSet = set
		return tally.Snapshot{}, nil
	})
	cfgPath := writeTestConfig(t, t.TempDir())
	code := run([]string{"--config", cfgPath, "--status=false", "other.jsonl"})
	require.Equal(t, 0, code)
	assert.Equal(t, []string{"other.jsonl"}, gotSet.Inputs)
}

func TestRunPipelineError(t *testing.T) {
	stubPipeline(t, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, lg *diag.Logger) (tally.Snapshot, error) {
		return tally.Snapshot{}, fmt.Errorf("boom")
	})
	cfgPath := writeTestConfig(t, t.TempDir())
	code := run([]string{"--config", cfgPath, "--status=false"})
	assert.Equal(t, 1, code)
}

func TestRunValidateError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"inputs":["a"]}`), 0o644))
	code := run([]string{"--config", path, "--status=false"})
	assert.Equal(t, 3, code, "缺少 judge 属配置错误")
}

func TestRunConfigFileNotFound(t *testing.T) {
	code := run([]string{"--config", filepath.Join(t.TempDir(), "nope.json"), "--status=false"})
	assert.Equal(t, 3, code)
}

func TestRunMetricsFile(t *testing.T) {
	stubPipeline(t, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, lg *diag.Logger) (tally.Snapshot, error) {
		return tally.Snapshot{}, nil
	})
	cfgPath := writeTestConfig(t, t.TempDir())
	mpath := filepath.Join(t.TempDir(), "metrics.prom")
	code := run([]string{"--config", cfgPath, "--status=false", "--metrics-file", mpath})
	require.Equal(t, 0, code)
	b, err := os.ReadFile(mpath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "sensegate_op_total")
}

func TestBuildConfigPrecedence(t *testing.T) {
	t.Setenv("SENSEGATE_CHUNK_SIZE", "9")
	t.Setenv("SENSEGATE_JUDGE", "mock")
	cfg, err := buildConfig(cliFlags{chunkSize: 11}, nil)
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.ChunkSize, "CLI 优先于 ENV")
	assert.Equal(t, "mock", cfg.Judge)
}

func TestBuildConfigEnvJSON(t *testing.T) {
	t.Setenv("SENSEGATE_CONFIG_JSON", `{"judge":"mock","chunk_size":4}`)
	cfg, err := buildConfig(cliFlags{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.Judge)
	assert.Equal(t, 4, cfg.ChunkSize)
}

func TestWriteConfigNoOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))
	require.NoError(t, writeConfig(path, cfgpkg.DefaultTemplateConfig()))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))
}

func TestPreflightCheckOutputDir(t *testing.T) {
	cfg := cfgpkg.DefaultTemplateConfig()
	dir := t.TempDir()
	cfg.Options.Writer = []byte(fmt.Sprintf(`{"output_dir":%q}`, dir))
	assert.NoError(t, preflightCheckOutputDir(cfg))

	// 路径存在但不是目录
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.Options.Writer = []byte(fmt.Sprintf(`{"output_dir":%q}`, file))
	assert.Error(t, preflightCheckOutputDir(cfg))

	// 目录不存在但父目录可写
	cfg.Options.Writer = []byte(fmt.Sprintf(`{"output_dir":%q}`, filepath.Join(dir, "new-out")))
	assert.NoError(t, preflightCheckOutputDir(cfg))
}

func TestDumpConfig(t *testing.T) {
	assert.NoError(t, dumpConfig(cfgpkg.DefaultTemplateConfig()))
}
