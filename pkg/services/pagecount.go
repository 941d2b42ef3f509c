package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDFPageCounter counts pages locally so page planning never needs a network
// round trip.
type PDFPageCounter struct{}

// NewPDFPageCounter creates a local page counter.
func NewPDFPageCounter() *PDFPageCounter {
	return &PDFPageCounter{}
}

// PageCount parses the document's page tree and returns the page total.
func (c *PDFPageCounter) PageCount(ctx context.Context, doc []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	reader, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	n := reader.NumPage()
	if n <= 0 {
		return 0, fmt.Errorf("pdf reports %d pages", n)
	}
	return n, nil
}
