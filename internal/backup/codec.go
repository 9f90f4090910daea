package backup

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"drguard/internal/apperrors"
)

// CompressionType identifies a compression algorithm.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionLZ4  CompressionType = "lz4"
	CompressionZstd CompressionType = "zstd"
)

// IsValid checks if the compression type is supported.
func (ct CompressionType) IsValid() bool {
	switch ct {
	case CompressionNone, CompressionGzip, CompressionLZ4, CompressionZstd:
		return true
	default:
		return false
	}
}

// CompressionConfig tunes artifact compression.
type CompressionConfig struct {
	Enabled   bool            `yaml:"enabled" json:"enabled"`
	Algorithm CompressionType `yaml:"algorithm" json:"algorithm"`
	Level     int             `yaml:"level" json:"level"`
	// Threshold is the minimum payload size in bytes worth compressing.
	// Zero compresses every payload.
	Threshold int64 `yaml:"threshold" json:"threshold"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *CompressionConfig) SetDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = CompressionZstd
	}
}

// Validate checks the configuration.
func (c *CompressionConfig) Validate() error {
	if !c.Algorithm.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported compression algorithm: %s", c.Algorithm), nil)
	}
	return nil
}

// CompressionStats describes one compression pass.
type CompressionStats struct {
	OriginalSize   int64           `json:"original_size"`
	CompressedSize int64           `json:"compressed_size"`
	Ratio          float64         `json:"ratio"`
	Algorithm      CompressionType `json:"algorithm"`
	Level          int             `json:"level"`
	Duration       time.Duration   `json:"duration"`
}

// codec is one registered compression implementation.
type codec interface {
	Compress(data []byte, level int) ([]byte, *CompressionStats, error)
	Decompress(data []byte) ([]byte, error)
	DefaultLevel() int
	MinLevel() int
	MaxLevel() int
}

// Codecs dispatches compression to the algorithm a backup was written with.
type Codecs struct {
	registered map[CompressionType]codec
}

// NewCodecs registers the supported algorithms.
func NewCodecs() *Codecs {
	return &Codecs{
		registered: map[CompressionType]codec{
			CompressionGzip: gzipCodec{},
			CompressionLZ4:  lz4Codec{},
			CompressionZstd: zstdCodec{},
		},
	}
}

// Compress compresses data with the given algorithm, clamping the level to
// the algorithm's valid range.
func (c *Codecs) Compress(data []byte, algorithm CompressionType, level int) ([]byte, *CompressionStats, error) {
	if algorithm == CompressionNone {
		return data, &CompressionStats{
			OriginalSize:   int64(len(data)),
			CompressedSize: int64(len(data)),
			Ratio:          1.0,
			Algorithm:      CompressionNone,
		}, nil
	}

	impl, ok := c.registered[algorithm]
	if !ok {
		return nil, nil, apperrors.NewValidationError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	if level < impl.MinLevel() || level > impl.MaxLevel() {
		level = impl.DefaultLevel()
	}
	return impl.Compress(data, level)
}

// Decompress reverses Compress for the given algorithm.
func (c *Codecs) Decompress(data []byte, algorithm CompressionType) ([]byte, error) {
	if algorithm == CompressionNone {
		return data, nil
	}
	impl, ok := c.registered[algorithm]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return impl.Decompress(data)
}

func compressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

type gzipCodec struct{}

func (gzipCodec) Compress(data []byte, level int) ([]byte, *CompressionStats, error) {
	start := time.Now()

	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, nil, apperrors.NewBackupError("failed to create gzip writer", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, nil, apperrors.NewBackupError("gzip compression failed", err)
	}
	if err := writer.Close(); err != nil {
		return nil, nil, apperrors.NewBackupError("failed to finalize gzip stream", err)
	}

	compressed := buf.Bytes()
	return compressed, &CompressionStats{
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Ratio:          compressionRatio(int64(len(data)), int64(len(compressed))),
		Algorithm:      CompressionGzip,
		Level:          level,
		Duration:       time.Since(start),
	}, nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewBackupError("failed to open gzip stream", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.NewBackupError("gzip decompression failed", err)
	}
	return out, nil
}

func (gzipCodec) DefaultLevel() int { return gzip.DefaultCompression }
func (gzipCodec) MinLevel() int     { return gzip.BestSpeed }
func (gzipCodec) MaxLevel() int     { return gzip.BestCompression }

type lz4Codec struct{}

func (lz4Codec) Compress(data []byte, level int) ([]byte, *CompressionStats, error) {
	start := time.Now()

	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, nil, apperrors.NewBackupError("failed to set lz4 compression level", err)
		}
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, nil, apperrors.NewBackupError("lz4 compression failed", err)
	}
	if err := writer.Close(); err != nil {
		return nil, nil, apperrors.NewBackupError("failed to finalize lz4 stream", err)
	}

	compressed := buf.Bytes()
	return compressed, &CompressionStats{
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Ratio:          compressionRatio(int64(len(data)), int64(len(compressed))),
		Algorithm:      CompressionLZ4,
		Level:          level,
		Duration:       time.Since(start),
	}, nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, apperrors.NewBackupError("lz4 decompression failed", err)
	}
	return out, nil
}

func (lz4Codec) DefaultLevel() int { return 1 }
func (lz4Codec) MinLevel() int     { return 1 }
func (lz4Codec) MaxLevel() int     { return 12 }

type zstdCodec struct{}

func (zstdCodec) Compress(data []byte, level int) ([]byte, *CompressionStats, error) {
	start := time.Now()

	encoderLevel := zstd.SpeedFastest
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, nil, apperrors.NewBackupError("failed to create zstd encoder", err)
	}
	defer encoder.Close()

	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)))
	return compressed, &CompressionStats{
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Ratio:          compressionRatio(int64(len(data)), int64(len(compressed))),
		Algorithm:      CompressionZstd,
		Level:          level,
		Duration:       time.Since(start),
	}, nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperrors.NewBackupError("failed to create zstd decoder", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, apperrors.NewBackupError("zstd decompression failed", err)
	}
	return out, nil
}

func (zstdCodec) DefaultLevel() int { return 3 }
func (zstdCodec) MinLevel() int     { return 1 }
func (zstdCodec) MaxLevel() int     { return 22 }
