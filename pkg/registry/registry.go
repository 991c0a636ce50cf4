package registry

import (
	"bytes"
	"encoding/json"

	"sensegate/pkg/contract"
	aord "sensegate/plugins/aggregator/ordered"
	cfix "sensegate/plugins/chunker/fixed"
	dsm "sensegate/plugins/decoder/strictmap"
	fvs "sensegate/plugins/filter/verbsense"
	flaky "sensegate/plugins/judge/flaky"
	gmi "sensegate/plugins/judge/gemini"
	mock "sensegate/plugins/judge/mock"
	oai "sensegate/plugins/judge/openai"
	lrec "sensegate/plugins/loader/records"
	pcls "sensegate/plugins/prompt/classify"
	rfs "sensegate/plugins/reader/filesystem"
	wfs "sensegate/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewLoader 工厂签名：接收原样 JSON Options。
type NewLoader func(raw json.RawMessage) (contract.Loader, error)

// NewFilter 工厂签名：接收原样 JSON Options。
type NewFilter func(raw json.RawMessage) (contract.Filter, error)

// NewChunker 工厂签名：接收原样 JSON Options。
type NewChunker func(raw json.RawMessage) (contract.Chunker, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewJudge 工厂签名：接收原样 JSON Options。
type NewJudge func(raw json.RawMessage) (contract.Judge, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAggregator 工厂签名：接收原样 JSON Options。
type NewAggregator func(raw json.RawMessage) (contract.Aggregator, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Loader 工厂注册表。
var Loader = map[string]NewLoader{
	// records: JSONL / JSON 数组句子记录装载器
	"records": func(raw json.RawMessage) (contract.Loader, error) {
		var opts lrec.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lrec.New(&opts), nil
	},
}

// Filter 工厂注册表。
var Filter = map[string]NewFilter{
	// verbsense: POS 标注 + 词形还原的动词义闸门
	"verbsense": func(raw json.RawMessage) (contract.Filter, error) {
		var opts fvs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fvs.New(&opts)
	},
}

// Chunker 工厂注册表。
var Chunker = map[string]NewChunker{
	// fixed: 固定句数切块
	"fixed": func(raw json.RawMessage) (contract.Chunker, error) {
		var opts cfix.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return cfix.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// classify: 逐块判定 PromptBuilder（Chat + JSON Schema）
	"classify": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pcls.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pcls.New(&opts)
	},
}

// Judge 工厂注册表。
var Judge = map[string]NewJudge{
	"openai": func(raw json.RawMessage) (contract.Judge, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.Judge, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.Judge, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.Judge, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// strictmap: 严格 id→类别映射解码器（条目级隔离）
	"strictmap": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts dsm.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return dsm.New(&opts), nil
	},
}

// Aggregator 工厂注册表。
var Aggregator = map[string]NewAggregator{
	// ordered: 按块序合并，输出保留序记录
	"ordered": func(raw json.RawMessage) (contract.Aggregator, error) {
		var opts aord.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return aord.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
