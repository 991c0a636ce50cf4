package diag

import "github.com/prometheus/client_golang/prometheus"

// 进程级指标注册表。命名：
// - sensegate_op_total{comp,stage,result}
// - sensegate_error_total{comp,code}
// - sensegate_op_duration_seconds{comp,stage}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensegate_op_total",
		Help: "操作计数（result=success|error）",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensegate_error_total",
		Help: "按分类的错误计数",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sensegate_op_duration_seconds",
		Help:    "阶段耗时",
		Buckets: prometheus.DefBuckets,
	}, []string{"comp", "stage"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒输入，秒直方图）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS) / 1000.0)
}

// Registry 暴露注册表（测试与落盘用）。
func Registry() *prometheus.Registry { return registry }

// WriteMetricsFile 将当前指标以文本格式落盘（运行结束时调用，尽力而为）。
func WriteMetricsFile(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}
