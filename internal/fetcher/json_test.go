package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ctx context.Context, input string) ([]any, error) {
	t.Helper()
	var docs []any
	for doc, err := range Documents(ctx, strings.NewReader(input)) {
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func TestDocuments(t *testing.T) {
	docs, err := collect(t, context.Background(), `[{"$schema":"urn:a","v":1},{"v":2},[3]]`)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, map[string]any{"$schema": "urn:a", "v": float64(1)}, docs[0])
	assert.Equal(t, []any{float64(3)}, docs[2])
}

func TestDocuments_EmptyInputs(t *testing.T) {
	docs, err := collect(t, context.Background(), `[]`)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = collect(t, context.Background(), ``)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDocuments_NotAnArray(t *testing.T) {
	_, err := collect(t, context.Background(), `{"v":1}`)
	assert.ErrorContains(t, err, "expected '['")
}

func TestDocuments_MalformedElement(t *testing.T) {
	docs, err := collect(t, context.Background(), `[{"v":1},{"v":]`)
	assert.ErrorContains(t, err, "decode element 1")
	assert.Len(t, docs, 1)
}

func TestDocuments_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collect(t, ctx, `[{"v":1}]`)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDocuments_StopEarly(t *testing.T) {
	n := 0
	for range Documents(context.Background(), strings.NewReader(`[1,2,3]`)) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestDecodeDocument(t *testing.T) {
	doc, err := DecodeDocument(strings.NewReader(`{"results":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"results": []any{float64(1), float64(2)}}, doc)

	_, err = DecodeDocument(strings.NewReader(`{`))
	assert.Error(t, err)
}
