package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/core/retry"
)

// fakeProvider scripts per-call errors and otherwise returns deterministic
// vectors of the requested dimension.
type fakeProvider struct {
	dim      int
	calls    int
	errs     []error // errs[i] returned on call i; nil past the end
	badDim   int     // when > 0, vectors come back with this dimension instead
	received [][]string
}

func (f *fakeProvider) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	call := f.calls
	f.calls++
	f.received = append(f.received, texts)

	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}

	dim := f.dim
	if f.badDim > 0 {
		dim = f.badDim
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(i + j)
		}
		out[i] = vec
	}
	return out, nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Retryable:       IsTransient,
	}
}

func TestEmbedBatch_SplitsIntoProviderBatches(t *testing.T) {
	p := &fakeProvider{dim: 4}
	c := NewClient(p, 4, 2, fastPolicy())

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	// 5 texts at batch size 2: calls of 2, 2, 1.
	require.Len(t, p.received, 3)
	assert.Len(t, p.received[0], 2)
	assert.Len(t, p.received[2], 1)
}

func TestEmbedBatch_RetriesRateLimitThenSucceeds(t *testing.T) {
	rateLimited := &googleapi.Error{Code: 429, Message: "rate limit exceeded"}
	p := &fakeProvider{dim: 4, errs: []error{rateLimited, rateLimited}}
	c := NewClient(p, 4, 16, fastPolicy())

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, p.calls, "two 429s then success")
}

func TestEmbedBatch_ExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	rateLimited := &googleapi.Error{Code: 429}
	p := &fakeProvider{dim: 4, errs: []error{rateLimited, rateLimited, rateLimited, rateLimited}}
	c := NewClient(p, 4, 16, fastPolicy())

	_, err := c.EmbedBatch(context.Background(), []string{"a"})
	require.ErrorIs(t, err, core.ErrEmbeddingProviderUnavailable)
	assert.Equal(t, 3, p.calls, "attempt cap respected")
}

func TestEmbedBatch_PermanentRejectionNotRetried(t *testing.T) {
	badRequest := &googleapi.Error{Code: 400, Message: "invalid input"}
	p := &fakeProvider{dim: 4, errs: []error{badRequest}}
	c := NewClient(p, 4, 16, fastPolicy())

	_, err := c.EmbedBatch(context.Background(), []string{"a"})
	require.ErrorIs(t, err, core.ErrEmbeddingRequestInvalid)
	assert.Equal(t, 1, p.calls, "4xx other than 429 must not retry")
}

func TestEmbedBatch_ServerErrorsAreTransient(t *testing.T) {
	serverErr := &googleapi.Error{Code: 503}
	p := &fakeProvider{dim: 4, errs: []error{serverErr}}
	c := NewClient(p, 4, 16, fastPolicy())

	vecs, err := c.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, 2, p.calls)
}

func TestEmbedBatch_DimensionMismatchIsFatal(t *testing.T) {
	p := &fakeProvider{dim: 4, badDim: 8}
	c := NewClient(p, 4, 16, fastPolicy())

	_, err := c.EmbedBatch(context.Background(), []string{"a"})
	require.ErrorIs(t, err, core.ErrEmbeddingDimensionMismatch)
	assert.Equal(t, 1, p.calls, "mismatch must not be retried")
}

func TestEmbedQuery(t *testing.T) {
	p := &fakeProvider{dim: 4}
	c := NewClient(p, 4, 16, fastPolicy())

	vec, err := c.EmbedQuery(context.Background(), "what is the refund policy")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&googleapi.Error{Code: 429}))
	assert.True(t, IsTransient(&googleapi.Error{Code: 500}))
	assert.False(t, IsTransient(&googleapi.Error{Code: 400}))
	assert.False(t, IsTransient(&googleapi.Error{Code: 404}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}
