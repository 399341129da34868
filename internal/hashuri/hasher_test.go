package hashuri

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFixedLengthAndURLSafe(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xff}, 1<<16),
	}
	for _, input := range inputs {
		key := Hash(input)
		assert.Len(t, key, KeyLength)
		assert.NotContains(t, key, "/")
		assert.NotContains(t, key, "+")
		assert.NotContains(t, key, "=")
	}
}

func TestHashDeterministic(t *testing.T) {
	data := []byte("same bytes, same key")
	assert.Equal(t, Hash(data), Hash(data))
}

func TestHashReaderMatchesHash(t *testing.T) {
	data := []byte("streamed or buffered, same fingerprint")
	key, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Hash(data), key)
}

func TestHashNoCollisionsInCorpus(t *testing.T) {
	const corpus = 10000
	seen := make(map[string]string, corpus)
	for i := 0; i < corpus; i++ {
		data := fmt.Sprintf("resource %d body %s", i, strings.Repeat("x", i%64))
		key := Hash([]byte(data))
		if prior, ok := seen[key]; ok {
			t.Fatalf("collision: %q and %q both hash to %s", prior, data, key)
		}
		seen[key] = data
	}
}
