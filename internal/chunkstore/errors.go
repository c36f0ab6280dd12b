package chunkstore

import "errors"

// ErrCorpusCorrupt is returned by CheckIntegrity when the backing store
// fails its startup integrity check. The caller treats this as fatal.
var ErrCorpusCorrupt = errors.New("chunkstore: corpus corrupt")
