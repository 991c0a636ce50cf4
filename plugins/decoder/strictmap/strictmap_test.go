package strictmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensegate/pkg/contract"
)

func chunk(ids ...string) contract.Chunk {
	c := contract.Chunk{File: "f", Index: 2}
	for i, id := range ids {
		c.Sentences = append(c.Sentences, contract.Sentence{
			ID: contract.SentenceID(id), File: "f", Seq: contract.Index(i),
		})
	}
	return c
}

func decode(t *testing.T, c contract.Chunk, text string) contract.JudgeResponse {
	t.Helper()
	resp, err := New(nil).Decode(context.Background(), c, contract.Raw{Text: text})
	require.NoError(t, err)
	return resp
}

func TestDecodeSuccess(t *testing.T) {
	resp := decode(t, chunk("a", "b"), `{"a":"LITERAL","b":"IDIOMATIC"}`)
	assert.Equal(t, contract.ParseSuccess, resp.Status)
	assert.Equal(t, contract.FileID("f"), resp.File)
	assert.EqualValues(t, 2, resp.Chunk)
	assert.Equal(t, contract.Literal, resp.Verdicts["a"])
	assert.Equal(t, contract.Idiomatic, resp.Verdicts["b"])
	assert.Empty(t, resp.Invalid)
}

func TestDecodeFencedPayload(t *testing.T) {
	resp := decode(t, chunk("a"), "```json\n{\"a\":\"LITERAL\"}\n```")
	assert.Equal(t, contract.ParseSuccess, resp.Status)
	assert.Equal(t, contract.Literal, resp.Verdicts["a"])
}

func TestDecodeSurroundingProse(t *testing.T) {
	resp := decode(t, chunk("a"), "Here is the result:\n{\"a\":\"IDIOMATIC\"}\nThanks!")
	assert.Equal(t, contract.ParseSuccess, resp.Status)
	assert.Equal(t, contract.Idiomatic, resp.Verdicts["a"])
}

func TestDecodePerEntryIsolation(t *testing.T) {
	resp := decode(t, chunk("a", "b", "c"), `{"a":"LITERAL","b":"FIGURATIVE"}`)
	assert.Equal(t, contract.ParsePartial, resp.Status)
	assert.Equal(t, contract.Literal, resp.Verdicts["a"], "合法条目不受相邻失败影响")
	assert.Equal(t, contract.ReasonBadCategory, resp.Invalid["b"])
	assert.Equal(t, contract.ReasonMissingEntry, resp.Invalid["c"])
}

func TestDecodeDuplicateKeyIsolated(t *testing.T) {
	resp := decode(t, chunk("a", "b"), `{"a":"LITERAL","a":"IDIOMATIC","b":"LITERAL"}`)
	assert.Equal(t, contract.ParsePartial, resp.Status)
	_, ok := resp.Verdicts["a"]
	assert.False(t, ok, "重复键不得取末值")
	assert.Equal(t, contract.ReasonDuplicateEntry, resp.Invalid["a"])
	assert.Equal(t, contract.Literal, resp.Verdicts["b"])
}

func TestDecodeNonStringValueIsolated(t *testing.T) {
	resp := decode(t, chunk("a", "b"), `{"a":1,"b":"LITERAL"}`)
	assert.Equal(t, contract.ParsePartial, resp.Status)
	assert.Equal(t, contract.ReasonBadCategory, resp.Invalid["a"])
	assert.Equal(t, contract.Literal, resp.Verdicts["b"])
}

func TestDecodeExtrasIgnoredSorted(t *testing.T) {
	resp := decode(t, chunk("a"), `{"a":"LITERAL","z9":"LITERAL","b2":"IDIOMATIC"}`)
	assert.Equal(t, contract.ParseSuccess, resp.Status, "额外键不影响块内完整性")
	assert.Equal(t, []contract.SentenceID{"b2", "z9"}, resp.Extras)
}

func TestDecodeAllInvalidStillPartial(t *testing.T) {
	resp := decode(t, chunk("a", "b"), `{"a":"X","b":"Y"}`)
	assert.Equal(t, contract.ParsePartial, resp.Status)
	assert.Empty(t, resp.Verdicts)
	assert.Len(t, resp.Invalid, 2)
}

func TestDecodeWholePayloadFailures(t *testing.T) {
	c := chunk("a")
	d := New(nil)
	for _, text := range []string{
		"no json here",
		`["LITERAL"]`,
		`{"a":"LITERAL"`,
		"",
	} {
		_, err := d.Decode(context.Background(), c, contract.Raw{Text: text})
		assert.ErrorIsf(t, err, contract.ErrResponseInvalid, "payload=%q", text)
	}
}

func TestDecodeOversizedPayload(t *testing.T) {
	d := New(&Options{MaxRawBytes: 8})
	_, err := d.Decode(context.Background(), chunk("a"), contract.Raw{Text: `{"a":"LITERAL"}`})
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
}

func TestDecodeEmptyChunk(t *testing.T) {
	_, err := New(nil).Decode(context.Background(), contract.Chunk{File: "f"}, contract.Raw{Text: "{}"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
