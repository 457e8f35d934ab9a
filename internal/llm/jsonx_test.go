package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONPlain(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSON(`{"a":1}`))
	assert.Equal(t, `[1,2,3]`, ExtractJSON(`[1,2,3]`))
}

func TestExtractJSONWithProse(t *testing.T) {
	text := `Sure! Here is the result you asked for:
{"corrections": [{"id": 3, "text": "fixed"}]}
Let me know if you need anything else.`
	assert.Equal(t, `{"corrections": [{"id": 3, "text": "fixed"}]}`, ExtractJSON(text))
}

func TestExtractJSONFenced(t *testing.T) {
	text := "```json\n{\"a\": 1}\n```"
	assert.Equal(t, `{"a": 1}`, ExtractJSON(text))

	noLang := "```\n[{\"b\": 2}]\n```"
	assert.Equal(t, `[{"b": 2}]`, ExtractJSON(noLang))
}

func TestExtractJSONThinkBlock(t *testing.T) {
	text := "<think>\nThe user wants {\"x\": 1} but actually...\n</think>\n{\"answer\": 42}"
	assert.Equal(t, `{"answer": 42}`, ExtractJSON(text))
}

func TestExtractJSONNestedStrings(t *testing.T) {
	text := `{"text": "a \"quoted\" brace } inside"}`
	assert.Equal(t, text, ExtractJSON(text))
}

func TestExtractJSONNone(t *testing.T) {
	assert.Empty(t, ExtractJSON("no structured data here"))
	assert.Empty(t, ExtractJSON(""))
}

func TestExtractJSONTruncatedObject(t *testing.T) {
	truncated := `{"chunks": [{"index": 0, "text": "hello"}, {"index": 1, "te`
	repaired := ExtractJSON(truncated)

	var out struct {
		Chunks []struct {
			Index int    `json:"index"`
			Text  string `json:"text"`
		} `json:"chunks"`
	}
	require.NoError(t, DecodeInto(repaired, &out))
	require.Len(t, out.Chunks, 1)
	assert.Equal(t, "hello", out.Chunks[0].Text)
}

func TestDecodeInto(t *testing.T) {
	var out map[string]int
	require.NoError(t, DecodeInto("prefix {\"n\": 7} suffix", &out))
	assert.Equal(t, 7, out["n"])

	assert.Error(t, DecodeInto("nothing useful", &out))
}
