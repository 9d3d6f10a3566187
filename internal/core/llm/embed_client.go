package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go"
	"google.golang.org/api/googleapi"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/core/retry"
)

var _ core.Embedder = (*Client)(nil)

// Client wraps a raw provider with batching, the shared retry policy and
// dimension validation. Batches within one call run sequentially so the
// caller's progress accounting stays monotonic.
type Client struct {
	provider  core.EmbeddingProvider
	dim       int
	batchSize int
	policy    retry.Policy
}

const defaultBatchSize = 16

// NewClient builds an embedding client for the given provider. dim is the
// fixed vector dimension of the configured model; every response vector is
// checked against it.
func NewClient(provider core.EmbeddingProvider, dim, batchSize int, policy retry.Policy) *Client {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	return &Client{provider: provider, dim: dim, batchSize: batchSize, policy: policy}
}

func (c *Client) Dimension() int { return c.dim }

// EmbedBatch embeds texts, splitting into provider-sized batches. Transient
// provider failures are retried with exponential backoff and jitter; after
// the attempt cap the error is core.ErrEmbeddingProviderUnavailable. A
// permanent rejection surfaces as core.ErrEmbeddingRequestInvalid without
// retrying.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var all [][]float32

	for i := 0; i < len(texts); i += c.batchSize {
		end := min(i+c.batchSize, len(texts))

		vecs, err := c.embedWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, vecs...)
	}
	return all, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("provider returned %d vectors for one text", len(vecs))
	}
	return vecs[0], nil
}

func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32

	err := c.policy.Do(ctx, func() error {
		out, err := c.provider.EmbedTexts(ctx, texts)
		if err != nil {
			return err
		}
		vecs = out
		return nil
	})
	if err != nil {
		if status, ok := httpStatus(err); ok && !transientStatus(status) {
			return nil, fmt.Errorf("%w: %v", core.ErrEmbeddingRequestInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrEmbeddingProviderUnavailable, err)
	}

	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != c.dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d",
				core.ErrEmbeddingDimensionMismatch, i, len(v), c.dim)
		}
	}
	return vecs, nil
}

// IsTransient classifies provider errors: rate limits, 5xx and network
// timeouts are retryable, every other HTTP status is permanent.
func IsTransient(err error) bool {
	if status, ok := httpStatus(err); ok {
		return transientStatus(status)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// httpStatus digs the HTTP status out of whichever provider error type is in
// the chain.
func httpStatus(err error) (int, bool) {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code, true
	}
	var oErr *openai.Error
	if errors.As(err, &oErr) {
		return oErr.StatusCode, true
	}
	return 0, false
}
