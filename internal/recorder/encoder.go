package recorder

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	EncodingZstd     = "zstd"
	EncodingLinear16 = "linear16"
)

// Encoder turns one interval of PCM into a self-contained chunk.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
	Name() string
}

// NewEncoder returns the encoder for name. An empty name selects zstd.
func NewEncoder(name string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return zstdEncoder{enc: enc}, nil
	case EncodingLinear16:
		return linear16Encoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported recorder encoding %q", name)
	}
}

// zstdEncoder emits each chunk as an independent zstd frame.
type zstdEncoder struct {
	enc *zstd.Encoder
}

func (e zstdEncoder) Encode(pcm []byte) ([]byte, error) {
	return e.enc.EncodeAll(pcm, make([]byte, 0, len(pcm)/2)), nil
}

func (zstdEncoder) Name() string { return EncodingZstd }

type linear16Encoder struct{}

func (linear16Encoder) Encode(pcm []byte) ([]byte, error) {
	return append([]byte(nil), pcm...), nil
}

func (linear16Encoder) Name() string { return EncodingLinear16 }
