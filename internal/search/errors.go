package search

import "errors"

// ErrEmbeddingUnavailable is returned when the query embedding cannot be
// produced; callers should skip the RAG branch rather than abort.
var ErrEmbeddingUnavailable = errors.New("search: query embedding unavailable")
