package storage

import (
	"context"
	"fmt"
	"io"
)

// Producer writes a complete file to w.
type Producer func(ctx context.Context, w io.Writer) error

// Publish uploads whatever produce writes under key without buffering the
// whole file: the producer and the upload are joined by a pipe, so the
// producer blocks whenever the upload falls behind. If either side fails,
// the other is stopped and the error returned. On success the object is
// read back with Stat, so the returned size and ETag are what the store
// holds.
func Publish(ctx context.Context, store ObjectStore, key string, opts PutOptions, produce Producer) (ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader, writer := io.Pipe()
	produced := make(chan error, 1)
	go func() {
		err := produce(ctx, writer)
		_ = writer.CloseWithError(err)
		produced <- err
	}()

	_, putErr := store.Put(ctx, key, reader, -1, opts)
	if putErr != nil {
		cancel()
		_ = reader.CloseWithError(putErr)
	}
	produceErr := <-produced

	switch {
	case produceErr != nil:
		return ObjectInfo{}, fmt.Errorf("produce %q: %w", key, produceErr)
	case putErr != nil:
		return ObjectInfo{}, putErr
	}
	info, err := store.Stat(ctx, key)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("confirm %q: %w", key, err)
	}
	return info, nil
}
