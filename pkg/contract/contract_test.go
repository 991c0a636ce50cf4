package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkOf(ids ...SentenceID) Chunk {
	c := Chunk{File: "f", Index: 0}
	for i, id := range ids {
		c.Sentences = append(c.Sentences, Sentence{ID: id, File: "f", Seq: Index(i)})
	}
	return c
}

func TestValidateVerdicts_AllValid(t *testing.T) {
	c := chunkOf("s0", "s1")
	v, inv, extras := ValidateVerdicts(c, map[SentenceID]string{
		"s0": "LITERAL",
		"s1": " idiomatic \n", // 归一：TrimSpace+大写
	})
	require.Empty(t, inv)
	require.Empty(t, extras)
	assert.Equal(t, Literal, v["s0"])
	assert.Equal(t, Idiomatic, v["s1"])
}

func TestValidateVerdicts_PerEntryIsolation(t *testing.T) {
	c := chunkOf("s0", "s1", "s2")
	v, inv, extras := ValidateVerdicts(c, map[SentenceID]string{
		"s0": "LITERAL",
		"s1": "FIGURATIVE", // 非法类别
		"s9": "LITERAL",    // 未知 id
	})
	// 合法条目不受相邻失败影响
	assert.Equal(t, Literal, v["s0"])
	assert.Equal(t, ReasonBadCategory, inv["s1"])
	assert.Equal(t, ReasonMissingEntry, inv["s2"])
	require.Len(t, extras, 1)
	assert.Equal(t, SentenceID("s9"), extras[0])
}

func TestValidateVerdicts_EmptyEntries(t *testing.T) {
	c := chunkOf("s0", "s1")
	v, inv, _ := ValidateVerdicts(c, map[SentenceID]string{})
	assert.Empty(t, v)
	assert.Equal(t, ReasonMissingEntry, inv["s0"])
	assert.Equal(t, ReasonMissingEntry, inv["s1"])
}

func TestChunkStateTransitions(t *testing.T) {
	ok := [][2]ChunkState{
		{ChunkPending, ChunkInFlight},
		{ChunkInFlight, ChunkSuccess},
		{ChunkInFlight, ChunkPartial},
		{ChunkInFlight, ChunkFailed},
		{ChunkSuccess, ChunkAggregated},
		{ChunkPartial, ChunkAggregated},
		{ChunkFailed, ChunkAggregated},
	}
	for _, p := range ok {
		assert.Truef(t, p[0].CanAdvance(p[1]), "%s→%s 应合法", p[0], p[1])
	}
	bad := [][2]ChunkState{
		{ChunkPending, ChunkSuccess},
		{ChunkPending, ChunkAggregated},
		{ChunkSuccess, ChunkInFlight},
		{ChunkAggregated, ChunkPending},
		{ChunkFailed, ChunkInFlight},
	}
	for _, p := range bad {
		assert.Falsef(t, p[0].CanAdvance(p[1]), "%s→%s 应非法", p[0], p[1])
	}
}

func TestNormalizeFileID(t *testing.T) {
	assert.Equal(t, FileID("a/b/c.jsonl"), NormalizeFileID(`a\b\c.jsonl`))
	assert.Equal(t, FileID("a/c"), NormalizeFileID("a//b/../c"))
	assert.Equal(t, FileID("/abs/x"), NormalizeFileID("/abs/./x"))
}
