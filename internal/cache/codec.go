package cache

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() error {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return codecErr
}

// EncodeEntry serialises e as zstd-compressed msgpack.
func EncodeEntry(e Entry) ([]byte, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("init codec: %w", err)
	}
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", e.Key, err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(data []byte) (Entry, error) {
	if err := initCodec(); err != nil {
		return Entry{}, fmt.Errorf("init codec: %w", err)
	}
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("decompress entry: %w", err)
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}
