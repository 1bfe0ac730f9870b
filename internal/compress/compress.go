// Package compress frames small values with an optional zstd layer. The kv
// cache backend uses it to shrink serialized image records, whose base64
// payloads compress well.
package compress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

type Mode string

const (
	None Mode = "none"
	Zstd Mode = "zstd"
	Auto Mode = "auto"
)

const (
	frameNone byte = 0x00
	frameZstd byte = 0x01
)

var ErrCorruptFrame = errors.New("corrupt compressed frame")

// Config controls compression behavior.
type Config struct {
	Mode      Mode    // none | zstd | auto
	Level     int     // 1..19 (3 is a great default)
	MinSaving float64 // e.g. 0.05 (5%) threshold to keep zstd output in auto
}

// Info reports what Encode did.
type Info struct {
	ModeRequested Mode
	ModeUsed      Mode // none or zstd

	// 1 - (bytes_out / bytes_in); 0 for passthrough, -1 for empty input.
	Savings  float64
	BytesIn  int
	BytesOut int
}

// Codec encodes and decodes frames. It is safe for concurrent use.
type Codec struct {
	cfg Config

	once   sync.Once
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	setErr error
}

// New returns a Codec with defaults applied to cfg.
func New(cfg Config) (*Codec, error) {
	if cfg.Mode == "" {
		cfg.Mode = Auto
	}
	if cfg.Level == 0 {
		cfg.Level = 3
	}
	if cfg.MinSaving <= 0 {
		cfg.MinSaving = 0.05
	}
	switch cfg.Mode {
	case None, Zstd, Auto:
	default:
		return nil, fmt.Errorf("unknown compression mode %q", cfg.Mode)
	}
	return &Codec{cfg: cfg}, nil
}

func (c *Codec) init() error {
	c.once.Do(func() {
		lvl := c.cfg.Level
		// clamp and map to zstd level
		if lvl < 1 {
			lvl = 1
		}
		if lvl > 19 {
			lvl = 19
		}
		c.enc, c.setErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(lvl)),
			zstd.WithEncoderConcurrency(1),
		)
		if c.setErr != nil {
			return
		}
		c.dec, c.setErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return c.setErr
}

// Encode returns data wrapped in a frame. In auto mode the zstd output is
// kept only when it saves at least MinSaving.
func (c *Codec) Encode(data []byte) ([]byte, Info, error) {
	info := Info{ModeRequested: c.cfg.Mode, BytesIn: len(data), Savings: -1}

	if c.cfg.Mode != None {
		if err := c.init(); err != nil {
			return nil, info, fmt.Errorf("zstd setup: %w", err)
		}
		compressed := c.enc.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		compressed[0] = frameZstd

		saving := savings(len(data), len(compressed))
		if c.cfg.Mode == Zstd || saving >= c.cfg.MinSaving {
			info.ModeUsed = Zstd
			info.BytesOut = len(compressed)
			info.Savings = saving
			return compressed, info, nil
		}
	}

	out := make([]byte, 1+len(data))
	out[0] = frameNone
	copy(out[1:], data)
	info.ModeUsed = None
	info.BytesOut = len(out)
	if len(data) > 0 {
		info.Savings = 0
	}
	return out, info, nil
}

// Decode unwraps a frame produced by Encode.
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptFrame)
	}
	switch frame[0] {
	case frameNone:
		out := make([]byte, len(frame)-1)
		copy(out, frame[1:])
		return out, nil
	case frameZstd:
		if err := c.init(); err != nil {
			return nil, fmt.Errorf("zstd setup: %w", err)
		}
		out, err := c.dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type 0x%02x", ErrCorruptFrame, frame[0])
	}
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() error {
	if c.enc != nil {
		if err := c.enc.Close(); err != nil {
			return err
		}
	}
	if c.dec != nil {
		c.dec.Close()
	}
	return nil
}

func savings(in, out int) float64 {
	if in == 0 {
		return -1
	}
	return 1 - float64(out)/float64(in)
}
