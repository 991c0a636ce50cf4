package config

import (
	"strings"
	"time"

	"sensegate/internal/pipeline"
	"sensegate/internal/rate"
	"sensegate/pkg/registry"
)

// Validate 对最小必要边界做静态校验。违规返回 *ConfigurationError。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return confErrf("inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return confErrf("input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return confErrf("'-' cannot be mixed with other roots")
	}
	if cfg.Concurrency < 1 {
		return confErrf("concurrency must be >= 1")
	}
	if cfg.ChunkSize < 1 {
		return confErrf("chunk_size must be >= 1")
	}
	if cfg.MaxAttempts < 1 {
		return confErrf("max_attempts must be >= 1")
	}
	if cfg.BackoffBaseMS < 0 || cfg.BackoffCapMS < 0 {
		return confErrf("backoff durations must be >= 0")
	}
	if cfg.BudgetSeconds < 0 {
		return confErrf("budget_seconds must be >= 0")
	}
	if cfg.Judge == "" {
		return confErrf("judge not set")
	}
	prov, ok := cfg.Provider[cfg.Judge]
	if !ok {
		return confErrf("provider %q not found", cfg.Judge)
	}
	if prov.Client == "" {
		return confErrf("provider %q missing client", cfg.Judge)
	}
	if prov.Limits.RPM < 0 || prov.Limits.MinIntervalMS < 0 {
		return confErrf("provider %q limits must be >= 0", cfg.Judge)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults()
	if name := effName(cfg.Components.Reader, d.Components.Reader); registry.Reader[name] == nil {
		return confErrf("reader %q not registered", name)
	}
	if name := effName(cfg.Components.Loader, d.Components.Loader); registry.Loader[name] == nil {
		return confErrf("loader %q not registered", name)
	}
	if name := effName(cfg.Components.Filter, d.Components.Filter); registry.Filter[name] == nil {
		return confErrf("filter %q not registered", name)
	}
	if name := effName(cfg.Components.Chunker, d.Components.Chunker); registry.Chunker[name] == nil {
		return confErrf("chunker %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder); registry.PromptBuilder[name] == nil {
		return confErrf("prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Components.Decoder); registry.Decoder[name] == nil {
		return confErrf("decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Aggregator, d.Components.Aggregator); registry.Aggregator[name] == nil {
		return confErrf("aggregator %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Components.Writer); registry.Writer[name] == nil {
		return confErrf("writer %q not registered", name)
	}
	if registry.Judge[prov.Client] == nil {
		return confErrf("judge client %q not registered", prov.Client)
	}
	return nil
}

// Assemble 构造 Components、Settings 与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, rate.Gate, rate.LimitKey, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}

	// 有效名称
	d := Defaults()
	rn := effName(cfg.Components.Reader, d.Components.Reader)
	ln := effName(cfg.Components.Loader, d.Components.Loader)
	fn := effName(cfg.Components.Filter, d.Components.Filter)
	cn := effName(cfg.Components.Chunker, d.Components.Chunker)
	pn := effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder)
	dn := effName(cfg.Components.Decoder, d.Components.Decoder)
	an := effName(cfg.Components.Aggregator, d.Components.Aggregator)
	wn := effName(cfg.Components.Writer, d.Components.Writer)

	// 构造实例
	r, err := registry.Reader[rn](cfg.Options.Reader)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	ld, err := registry.Loader[ln](cfg.Options.Loader)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	fl, err := registry.Filter[fn](cfg.Options.Filter)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	ck, err := registry.Chunker[cn](cfg.Options.Chunker)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	pb, err := registry.PromptBuilder[pn](cfg.Options.PromptBuilder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	dec, err := registry.Decoder[dn](cfg.Options.Decoder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	agg, err := registry.Aggregator[an](cfg.Options.Aggregator)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	w, err := registry.Writer[wn](cfg.Options.Writer)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}

	// Judge 客户端
	prov := cfg.Provider[cfg.Judge]
	newJudge := registry.Judge[prov.Client]
	judge, err := newJudge(prov.Options)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}

	comp := pipeline.Components{
		Reader:        r,
		Loader:        ld,
		Filter:        fl,
		Chunker:       ck,
		PromptBuilder: pb,
		Judge:         judge,
		Decoder:       dec,
		Aggregator:    agg,
		Writer:        w,
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	gmap := map[rate.LimitKey]rate.Limits{}
	// 默认使用 API Key 派生分组键（更稳定）；若失败则退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.Judge)
	}
	gmap[key] = rate.Limits{RPM: prov.Limits.RPM, MinIntervalMS: prov.Limits.MinIntervalMS}
	gate := rate.NewGate(gmap, nil)

	set := pipeline.Settings{
		Inputs:      cloneStrings(cfg.Inputs),
		Concurrency: cfg.Concurrency,
		ChunkSize:   cfg.ChunkSize,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		Budget:      time.Duration(cfg.BudgetSeconds) * time.Second,
		Gate:        gate,
		GateKey:     key,
	}

	return comp, set, gate, key, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
