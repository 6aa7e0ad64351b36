// Package mbox feeds the messages of an mbox archive through the ingest
// pipeline, for seeding a sink with previously captured mail.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/shineum/smtp-sink-lite/internal/ingest"
)

// Result counts the outcome of an import.
type Result struct {
	Imported int
	Rejected int
}

// Import ingests every message in r. Messages the pipeline rejects are
// counted and skipped; any other failure stops the import.
func Import(ctx context.Context, r io.Reader, ing ingest.Ingester) (Result, error) {
	var res Result
	reader := mboxlib.NewReader(r)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return res, fmt.Errorf("message %d read: %w", idx, err)
		}

		if _, err := ing.Ingest(ctx, raw); err != nil {
			if errors.Is(err, ingest.ErrRejected) {
				slog.Warn("skipping mbox message", "index", idx, "error", err)
				res.Rejected++
				continue
			}
			return res, fmt.Errorf("message %d: %w", idx, err)
		}
		res.Imported++
	}
}

// ImportFile opens path and imports it.
func ImportFile(ctx context.Context, path string, ing ingest.Ingester) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	res, err := Import(ctx, file, ing)
	slog.Info("mbox import finished",
		"path", path,
		"imported", res.Imported,
		"rejected", res.Rejected,
	)
	return res, err
}
