// Package extract turns raw document bytes into plain text. The Extractor
// interface keeps the parsing engine swappable; the pipeline only depends on
// extract(bytes) -> text with possible failure.
package extract

import (
	"context"
)

// NoTextSentinel is stored as the extracted text when a document parses
// cleanly but yields no text at all (scanned or image-only PDFs). That is a
// valid terminal outcome, not an error.
const NoTextSentinel = "[No text found or scanned PDF]"

// Extractor extracts text content from a document.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// Func adapts a plain function to the Extractor interface.
type Func func(ctx context.Context, data []byte) (string, error)

func (f Func) Extract(ctx context.Context, data []byte) (string, error) {
	return f(ctx, data)
}
