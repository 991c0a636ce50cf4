package contract

// FileID: 逻辑数据集ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Index: 单文件内稳定递增的序号（0..n-1）。
type Index int64

// SentenceID: 句子在单文件内的稳定唯一标识。
// 输入缺省时由 Loader 按位置合成；同一文件内不得重复。
type SentenceID string

// Meta: 可选的轻量元信息；核心流程不读取其键值。
type Meta map[string]string

// Category: 判定类别。UNRESOLVED 仅在聚合阶段产生，判定器不得返回。
type Category string

const (
	Literal    Category = "LITERAL"
	Idiomatic  Category = "IDIOMATIC"
	Unresolved Category = "UNRESOLVED"
)

// 丢弃/未决原因（稳定字符串，写入审计与产出，不得改写）。
const (
	// 门控丢弃：
	ReasonNoVerbLemmaMatch = "no-verb-lemma-match"
	ReasonTaggerError      = "tagger-error"
	// 整块未决：
	ReasonJudgeUnavailable = "judge-unavailable"
	ReasonBudgetExhausted  = "budget-exhausted"
	// 按条目未决：
	ReasonMissingEntry   = "missing-entry"
	ReasonDuplicateEntry = "duplicate-entry"
	ReasonBadCategory    = "bad-category"
)

// Sentence: 原子输入单元（不可跨文件）。
// 约束：
// - FileID 一致；
// - Seq 自 0 严格递增；
// - Text 为最小必需文本（经 CRLF→LF 归一），不做业务性清洗；
// - Register/Mood/Source 为生成元数据透传字段，允许为空。
type Sentence struct {
	ID       SentenceID
	File     FileID
	Seq      Index
	Text     string
	Lemma    string // 目标词元（小写归一由 Loader 保证）
	Register string
	Mood     string
	Source   string
	Meta     Meta // 可为 nil
}

// FilterVerdict: 门控裁决。Retained=false 时 Reason 必填；
// Retained=true 时 Token/Tag 记录首个命中词的表层形与词性标签（审计用）。
type FilterVerdict struct {
	ID       SentenceID
	Retained bool
	Reason   string
	Token    string
	Tag      string
}

// Chunk: 判定批。保证同源文件、保留序内句子按 Seq 严格升序，
// 长度 ≤ ChunkLimit.MaxSentences。
type Chunk struct {
	File FileID
	// Index: 同一 FileID 内的块序（0..n-1，严格递增）。
	// 用于跨块顺序恢复与聚合门闩；不影响块内句子顺序与语义。
	Index     int64
	Sentences []Sentence
}

// ChunkLimit: 最小必要限制集合。
type ChunkLimit struct {
	// MaxSentences: 每块最大句子数。必须为正数。
	MaxSentences int
}

// ChunkState: 块生命周期状态机。
// Pending → InFlight → (Success|Partial|Failed) → Aggregated。
type ChunkState uint8

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkSuccess
	ChunkPartial
	ChunkFailed
	ChunkAggregated
)

// CanAdvance: 纯函数，判定状态迁移是否合法。
func (s ChunkState) CanAdvance(next ChunkState) bool {
	switch s {
	case ChunkPending:
		return next == ChunkInFlight
	case ChunkInFlight:
		return next == ChunkSuccess || next == ChunkPartial || next == ChunkFailed
	case ChunkSuccess, ChunkPartial, ChunkFailed:
		return next == ChunkAggregated
	default:
		return false
	}
}

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "PENDING"
	case ChunkInFlight:
		return "IN_FLIGHT"
	case ChunkSuccess:
		return "SUCCESS"
	case ChunkPartial:
		return "PARTIAL"
	case ChunkFailed:
		return "FAILED"
	case ChunkAggregated:
		return "AGGREGATED"
	default:
		return "UNKNOWN"
	}
}
