package jsoncodec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "peerwire"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out testPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(indented), "\n  \"id\""))
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, testPayload{ID: 7, Name: "enc"}))

	var out testPayload
	require.NoError(t, Decode(buf, &out))
	assert.Equal(t, 7, out.ID)
}

func TestRaw(t *testing.T) {
	t.Run("nil becomes null", func(t *testing.T) {
		raw, err := Raw(nil)
		require.NoError(t, err)
		assert.Equal(t, "null", string(raw))
	})

	t.Run("raw json passes through", func(t *testing.T) {
		raw, err := Raw(json.RawMessage(`[1,2]`))
		require.NoError(t, err)
		assert.Equal(t, `[1,2]`, string(raw))
	})

	t.Run("values are marshalled", func(t *testing.T) {
		raw, err := Raw([]int{4, 7, 11})
		require.NoError(t, err)
		assert.JSONEq(t, `[4,7,11]`, string(raw))
	})

	t.Run("unsupported values fail", func(t *testing.T) {
		_, err := Raw(make(chan int))
		assert.Error(t, err)
	})
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(nil))
	assert.True(t, IsNull(json.RawMessage(" null ")))
	assert.False(t, IsNull(json.RawMessage(`0`)))
	assert.False(t, IsNull(json.RawMessage(`""`)))
}
