package core

import "errors"

// Structural extraction failures. Never retried: the bytes themselves are the
// problem, so the document terminates in failed with the specific cause.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrCorruptInput      = errors.New("input could not be parsed")
	ErrEmptyContent      = errors.New("extraction yielded no content")
)

// Embedding failures.
var (
	// ErrEmbeddingProviderUnavailable is surfaced after the retry budget for
	// transient provider errors (429, timeouts, 5xx) is exhausted.
	ErrEmbeddingProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrEmbeddingRequestInvalid marks a permanent provider rejection (4xx
	// other than rate limit); retrying would just repeat the rejection.
	ErrEmbeddingRequestInvalid = errors.New("embedding request rejected by provider")

	// ErrEmbeddingDimensionMismatch means a response vector did not match the
	// configured model dimension. Treated as a fatal bug, never truncated or
	// padded.
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")
)

var (
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDuplicateDocument is the unique-constraint hit on
	// (knowledge_base_id, content_hash) when two identical registrations
	// race past the hash lookup. The caller re-fetches the winner.
	ErrDuplicateDocument = errors.New("document already registered")

	// ErrNotRetryable is returned when a retry is requested for a document
	// that is not in the failed state.
	ErrNotRetryable = errors.New("document is not in a retryable state")
)
