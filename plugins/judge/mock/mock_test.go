package mock

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensegate/pkg/contract"
)

func chunk(n int) contract.Chunk {
	c := contract.Chunk{File: "f"}
	for i := 0; i < n; i++ {
		c.Sentences = append(c.Sentences, contract.Sentence{
			ID: contract.SentenceID("s" + string(rune('0'+i))), File: "f", Seq: contract.Index(i),
		})
	}
	return c
}

func invoke(t *testing.T, mode string, n int) contract.Raw {
	t.Helper()
	j, err := New(json.RawMessage(`{"response_mode":"` + mode + `"}`))
	require.NoError(t, err)
	raw, err := j.Invoke(context.Background(), chunk(n), nil)
	require.NoError(t, err)
	return raw
}

func TestLiteralAll(t *testing.T) {
	raw := invoke(t, "literal_all", 3)
	var m map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw.Text), &m))
	require.Len(t, m, 3)
	for _, v := range m {
		assert.Equal(t, "LITERAL", v)
	}
}

func TestAlternate(t *testing.T) {
	raw := invoke(t, "alternate", 4)
	var m map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw.Text), &m))
	assert.Equal(t, "LITERAL", m["s0"])
	assert.Equal(t, "IDIOMATIC", m["s1"])
	assert.Equal(t, "LITERAL", m["s2"])
	assert.Equal(t, "IDIOMATIC", m["s3"])
}

func TestPartialInjectsBadCategory(t *testing.T) {
	raw := invoke(t, "partial", 2)
	var m map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw.Text), &m))
	assert.Equal(t, "MAYBE", m["s0"])
	assert.Equal(t, "LITERAL", m["s1"])
}

func TestFencedWrapsJSON(t *testing.T) {
	raw := invoke(t, "fenced", 1)
	assert.True(t, strings.HasPrefix(raw.Text, "```json"))
	assert.True(t, strings.HasSuffix(raw.Text, "```"))
}

func TestProseIsNotJSON(t *testing.T) {
	raw := invoke(t, "prose", 1)
	var m map[string]string
	assert.Error(t, json.Unmarshal([]byte(raw.Text), &m))
}

func TestEmptyChunkRejected(t *testing.T) {
	j, err := New(nil)
	require.NoError(t, err)
	_, err = j.Invoke(context.Background(), contract.Chunk{File: "f"}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
