package pipeline

import (
	"github.com/dan-solli/ontograph/pkg/extraction"
	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/dan-solli/ontograph/pkg/store"
)

// Type re-exports for caller convenience

// Summary is re-exported from incremental package
type Summary = incremental.Summary

// Signature is re-exported from provenance package
type Signature = provenance.Signature

// IndexedTriple is re-exported from store package
type IndexedTriple = store.IndexedTriple

// RunRecord is re-exported from store package
type RunRecord = store.RunRecord

// TripleScores is re-exported from extraction package
type TripleScores = extraction.TripleScores
