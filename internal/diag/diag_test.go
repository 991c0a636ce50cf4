package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensegate/pkg/contract"
)

func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	require.NoError(t, w.WriteLine([]byte("first line that is very long")))
	require.NoError(t, w.WriteLine([]byte("second")))
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2, "应存在轮转文件")
}

func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")))
	}
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == "sensegate-current.log" {
			hasCurrent = true
		}
		if strings.HasPrefix(e.Name(), "sensegate-") && !strings.Contains(e.Name(), "current") {
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent, "缺少 current 文件")
	assert.True(t, hasRotated, "缺少轮转历史文件")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{context.DeadlineExceeded, CodeCancel},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrBudgetExceeded, CodeBudget},
		{fmt.Errorf("decode: %w", contract.ErrResponseInvalid), CodeProtocol},
		{contract.ErrInvalidInput, CodeInvariant},
		{contract.ErrSeqInvalid, CodeInvariant},
		{contract.ErrPathInvalid, CodeInvariant},
		{contract.ErrInvariantViolation, CodeInvariant},
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, CodeIO},
		{timeoutErr{}, CodeNetwork},
		{errors.New("misc"), CodeUnknown},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, Classify(c.err), "err=%v", c.err)
	}
}

func TestLoggerJSONLines(t *testing.T) {
	dir := t.TempDir()
	l := NewLoggerTo("corr-1", "debug", NewRotatingFile(dir, 1<<20))
	tm := l.StartWith("pipeline", "处理开始", "data/a.jsonl", "3")
	tm.Finish("处理完成", 7)
	now := time.Now()
	l.ErrorWithKV("judge", string(CodeNetwork), "上游失败", &now, "data/a.jsonl", "3", map[string]string{"status": "503"})
	l.Sync()

	b, err := os.ReadFile(filepath.Join(dir, "sensegate-current.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "corr-1", ev["corr_id"])
	assert.Equal(t, "pipeline", ev["comp"])
	assert.Equal(t, "start", ev["stage"])
	assert.Equal(t, "data/a.jsonl", ev["file_id"])
	assert.Equal(t, "3", ev["chunk_id"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, "finish", ev["stage"])
	assert.EqualValues(t, 7, ev["count"])

	require.NoError(t, json.Unmarshal([]byte(lines[2]), &ev))
	assert.Equal(t, "error", ev["stage"])
	assert.Equal(t, "network", ev["code"])
	kv, ok := ev["kv"].(map[string]any)
	require.True(t, ok, "kv 字段缺失")
	assert.Equal(t, "503", kv["status"])
}

func TestMetricsCounters(t *testing.T) {
	IncOp("judge", "invoke", "success")
	IncOp("judge", "invoke", "success")
	IncError("judge", string(CodeBudget))
	ObserveDuration("judge", "invoke", 1500)

	assert.Equal(t, float64(2), testutil.ToFloat64(opTotal.WithLabelValues("judge", "invoke", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(errorTotal.WithLabelValues("judge", string(CodeBudget))))

	// 落盘格式可被采集器读取
	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, WriteMetricsFile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "sensegate_op_total")
}
