package contract

import "context"

// ParseStatus: 单块判定结果的解析状态。
type ParseStatus uint8

const (
	ParseSuccess ParseStatus = iota
	ParsePartial
	ParseFailed
)

func (p ParseStatus) String() string {
	switch p {
	case ParseSuccess:
		return "SUCCESS"
	case ParsePartial:
		return "PARTIAL"
	case ParseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// JudgeResponse: 单块判定结果 IR。
// 语义：
// - Verdicts 仅含合法类别（LITERAL/IDIOMATIC），键必属于对应 Chunk；
// - Invalid 按条目记录失败原因（missing-entry/duplicate-entry/bad-category）；
// - len(Invalid)>0 ⇒ Status=PARTIAL；整载荷失败 ⇒ Status=FAILED 且 Reason 必填；
// - Attempts 由编排层回填（≥1）。
type JudgeResponse struct {
	File     FileID
	Chunk    int64
	Verdicts map[SentenceID]Category
	Invalid  map[SentenceID]string
	// Extras: 不属于块的条目键（升序）；编排层记日志后忽略。
	Extras   []SentenceID
	RawText  string
	Status   ParseStatus
	Attempts int
	Reason   string
}

// Decoder: 将 Raw 解码为 JudgeResponse。
// 整载荷失败（不可解析/非对象/重复键）以包装 ErrResponseInvalid 的 error 返回，
// 由编排层计入重试；按条目失败隔离进 Invalid，不触发重试。
type Decoder interface {
	Decode(ctx context.Context, c Chunk, raw Raw) (JudgeResponse, error)
}

// ValidateVerdicts: 校验库函数（纯函数，无 I/O）。
// 将原始键值条目对齐到块内句子：
// - 块内句子无对应条目 → invalid[id]=missing-entry；
// - 条目值归一（TrimSpace+大写）后非 LITERAL/IDIOMATIC → invalid[id]=bad-category；
// - 条目键不属于块 → 归入 extras（调用方记日志后忽略）。
// 重复键须在解码阶段检出（JSON 对象解码会静默去重），不在此处处理。
func ValidateVerdicts(c Chunk, entries map[SentenceID]string) (verdicts map[SentenceID]Category, invalid map[SentenceID]string, extras []SentenceID) {
	member := make(map[SentenceID]struct{}, len(c.Sentences))
	for _, s := range c.Sentences {
		member[s.ID] = struct{}{}
	}
	verdicts = make(map[SentenceID]Category, len(c.Sentences))
	invalid = make(map[SentenceID]string)
	for id, v := range entries {
		if _, ok := member[id]; !ok {
			extras = append(extras, id)
			continue
		}
		switch normalizeCategory(v) {
		case Literal:
			verdicts[id] = Literal
		case Idiomatic:
			verdicts[id] = Idiomatic
		default:
			invalid[id] = ReasonBadCategory
		}
	}
	for _, s := range c.Sentences {
		if _, ok := verdicts[s.ID]; ok {
			continue
		}
		if _, ok := invalid[s.ID]; ok {
			continue
		}
		invalid[s.ID] = ReasonMissingEntry
	}
	return verdicts, invalid, extras
}

// normalizeCategory: 去首尾空白并大写化；不匹配时返回空串。
func normalizeCategory(v string) Category {
	t := trimUpper(v)
	switch Category(t) {
	case Literal:
		return Literal
	case Idiomatic:
		return Idiomatic
	}
	return ""
}

func trimUpper(s string) string {
	// 类别词表为纯 ASCII，手写大写化避免引入 strings 之外的依赖。
	b := []byte(s)
	i, j := 0, len(b)
	for i < j && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	for j > i && (b[j-1] == ' ' || b[j-1] == '\t' || b[j-1] == '\n' || b[j-1] == '\r') {
		j--
	}
	out := make([]byte, j-i)
	for k := i; k < j; k++ {
		ch := b[k]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		out[k-i] = ch
	}
	return string(out)
}
