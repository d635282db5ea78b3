package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/store"
)

// BlobSink archives each batch as newline-delimited JSON.
type BlobSink struct {
	blobs  store.BlobStore
	prefix string
	now    func() time.Time
	seq    atomic.Uint64
}

// NewBlobSink writes batches under prefix using the provided blob store.
func NewBlobSink(blobs store.BlobStore, prefix string) *BlobSink {
	return &BlobSink{blobs: blobs, prefix: prefix, now: time.Now}
}

// Consume uploads the batch as one object named by date and sequence.
func (s *BlobSink) Consume(ctx context.Context, batch []broadcast.Event) error {
	if s == nil || s.blobs == nil || len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range batch {
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	if _, err := s.blobs.PutObject(ctx, s.objectPath(), "application/x-ndjson", &buf); err != nil {
		return fmt.Errorf("archive batch: %w", err)
	}
	return nil
}

func (s *BlobSink) objectPath() string {
	now := s.now().UTC()
	name := fmt.Sprintf("%s-%06d.ndjson", now.Format("150405.000000000"), s.seq.Add(1))
	return path.Join(s.prefix, now.Format("2006/01/02"), name)
}

// Close implements the Sink interface; uploads are synchronous.
func (s *BlobSink) Close(context.Context) error {
	return nil
}
