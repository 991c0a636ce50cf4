package diag

import (
	"bytes"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为最小结构化日志器：单行 JSON（zap core）写入轮转文件；
// 字段集合固定：ts/level/corr_id/comp/stage/code/dur_ms/count/file_id/chunk_id/msg/kv。
type Logger struct {
	z *zap.Logger
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认路径 logs/，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerTo(corrID, level, NewRotatingFile("logs", 10*1024*1024))
}

// NewLoggerTo 指定轮转目标（测试用）。
func NewLoggerTo(corrID, level string, sink *RotatingFile) *Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "ts",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     rfc3339UTC,
		EncodeDuration: zapcore.MillisDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	})
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(&sinkWriter{sink: sink})), parseLevel(level))
	return &Logger{z: zap.New(core).With(zap.String("corr_id", corrID))}
}

func rfc3339UTC(t time.Time, pe zapcore.PrimitiveArrayEncoder) {
	pe.AppendString(t.UTC().Format(time.RFC3339))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// sinkWriter: 将 zap 的整行输出转交轮转文件；写失败后备写 stderr。
type sinkWriter struct {
	sink *RotatingFile
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	if w.sink == nil {
		_, _ = os.Stderr.Write(append(line, '\n'))
		return len(p), nil
	}
	if err := w.sink.WriteLine(line); err != nil {
		_, _ = os.Stderr.Write(append(line, '\n'))
	}
	return len(p), nil
}

// 字段组装工具（空值不写出，保持日志行紧凑）。
func withIDs(fs []zap.Field, fileID, chunk string) []zap.Field {
	if fileID != "" {
		fs = append(fs, zap.String("file_id", fileID))
	}
	if chunk != "" {
		fs = append(fs, zap.String("chunk_id", chunk))
	}
	return fs
}

func withKV(fs []zap.Field, kv map[string]string) []zap.Field {
	if len(kv) > 0 {
		fs = append(fs, zap.Any("kv", kv))
	}
	return fs
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.z.Info(msg, zap.String("comp", comp), zap.String("stage", "start"))
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 file_id/chunk_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID, chunk string) *Timer {
	fs := withIDs([]zap.Field{zap.String("comp", comp), zap.String("stage", "start")}, fileID, chunk)
	l.z.Info(msg, fs...)
	return &Timer{l: l, comp: comp, fileID: fileID, chunk: chunk, t0: time.Now()}
}

// StartWithKV 记录带 file_id/chunk_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, chunk string, kv map[string]string) *Timer {
	fs := withKV(withIDs([]zap.Field{zap.String("comp", comp), zap.String("stage", "start")}, fileID, chunk), kv)
	l.z.Info(msg, fs...)
	return &Timer{l: l, comp: comp, fileID: fileID, chunk: chunk, t0: time.Now()}
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWith(comp, code, msg, durSince, "", "")
}

// ErrorWith 支持 file_id/chunk_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, chunk string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, chunk, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, chunk string, kv map[string]string) {
	fs := []zap.Field{zap.String("comp", comp), zap.String("stage", "error"), zap.String("code", code)}
	if durSince != nil {
		fs = append(fs, zap.Int64("dur_ms", time.Since(*durSince).Milliseconds()))
	}
	fs = withKV(withIDs(fs, fileID, chunk), kv)
	l.z.Error(msg, fs...)
}

// Warn 记录 warn 事件（用于按条目隔离、额外键忽略等非致命异常）。
func (l *Logger) Warn(comp, code, msg, fileID, chunk string, kv map[string]string) {
	fs := []zap.Field{zap.String("comp", comp), zap.String("stage", "warn")}
	if code != "" {
		fs = append(fs, zap.String("code", code))
	}
	fs = withKV(withIDs(fs, fileID, chunk), kv)
	l.z.Warn(msg, fs...)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.z.Info(msg,
		zap.String("comp", comp), zap.String("stage", "finish"),
		zap.Int64("dur_ms", time.Since(start).Milliseconds()), zap.Int64("count", count))
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, chunk string, kv map[string]string) {
	fs := withKV(withIDs([]zap.Field{zap.String("comp", comp), zap.String("stage", "start")}, fileID, chunk), kv)
	l.z.Debug(msg, fs...)
}

// Sync 刷新底层缓冲（进程退出前调用）。
func (l *Logger) Sync() { _ = l.z.Sync() }

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	chunk  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	fs := withIDs([]zap.Field{
		zap.String("comp", t.comp), zap.String("stage", "finish"),
		zap.Int64("dur_ms", time.Since(t.t0).Milliseconds()), zap.Int64("count", count),
	}, t.fileID, t.chunk)
	t.l.z.Info(msg, fs...)
}
