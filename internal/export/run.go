package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"milestoneline/internal/config"
)

// Run exports once and hands the payload to every destination. It returns the
// payload size and the joined destination errors.
func Run(ctx context.Context, src Source, dests []Destination, now time.Time) (int, error) {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, src, &buf, now); err != nil {
		return 0, err
	}
	data := buf.Bytes()
	var errs []error
	for i, dest := range dests {
		if err := dest.Write(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("destination %d: %w", i, err))
		}
	}
	return len(data), errors.Join(errs...)
}

// Destinations builds the destinations named in cfg.
func Destinations(ctx context.Context, cfg config.ExportConfig) ([]Destination, error) {
	var dests []Destination
	if cfg.File != "" {
		dests = append(dests, FileDestination{Path: cfg.File})
	}
	if cfg.S3.Bucket != "" {
		d, err := NewS3Destination(ctx, cfg.S3.Bucket, cfg.S3.Key, cfg.S3.Region, cfg.S3.Endpoint)
		if err != nil {
			return nil, err
		}
		dests = append(dests, d)
	}
	return dests, nil
}
