package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm
type Algorithm byte

const (
	// AlgorithmNone indicates no compression
	AlgorithmNone Algorithm = iota
	// AlgorithmSnappy is fast compression with moderate ratio
	AlgorithmSnappy
	// AlgorithmZstd is balanced compression with good speed and ratio
	AlgorithmZstd
	// AlgorithmGzip is standard compression with good ratio
	AlgorithmGzip
)

// String returns the string representation of the algorithm
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// ParseAlgorithm resolves an algorithm by name
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return AlgorithmNone, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "zstd":
		return AlgorithmZstd, nil
	case "gzip":
		return AlgorithmGzip, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %s", name)
	}
}

// Config holds compression configuration
type Config struct {
	Algorithm Algorithm
	Level     int // Compression level (meaning varies by algorithm)
}

// DefaultConfig returns the default configuration (zstd, balanced)
func DefaultConfig() *Config {
	return &Config{
		Algorithm: AlgorithmZstd,
		Level:     3,
	}
}

// Compressor compresses and decompresses snapshot payloads. Encoded
// output carries a one-byte algorithm tag so Decompress does not need
// out-of-band configuration.
type Compressor struct {
	config  *Config
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewCompressor creates a compressor with the given configuration
func NewCompressor(config *Config) (*Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Compressor{config: config}

	if config.Algorithm == AlgorithmZstd {
		var err error
		encLevel := zstd.EncoderLevelFromZstd(config.Level)
		c.zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	// The decoder handles every algorithm regardless of configuration
	var err error
	c.zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return c, nil
}

// Compress encodes data with the configured algorithm, prefixing the
// algorithm tag
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	out := []byte{byte(c.config.Algorithm)}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return append(out, data...), nil

	case AlgorithmSnappy:
		return append(out, snappy.Encode(nil, data)...), nil

	case AlgorithmZstd:
		return c.zstdEnc.EncodeAll(data, out), nil

	case AlgorithmGzip:
		var buf bytes.Buffer
		buf.WriteByte(byte(AlgorithmGzip))
		writer, err := gzip.NewWriterLevel(&buf, gzipLevel(c.config.Level))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write gzip data: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Decompress decodes data produced by Compress, dispatching on the
// algorithm tag
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty compressed payload")
	}
	tag, body := Algorithm(data[0]), data[1:]

	switch tag {
	case AlgorithmNone:
		return body, nil

	case AlgorithmSnappy:
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy: %w", err)
		}
		return decoded, nil

	case AlgorithmZstd:
		decoded, err := c.zstdDec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd: %w", err)
		}
		return decoded, nil

	case AlgorithmGzip:
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read gzip data: %w", err)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm tag: %d", tag)
	}
}

// Close releases encoder resources
func (c *Compressor) Close() error {
	if c.zstdEnc != nil {
		c.zstdEnc.Close()
	}
	if c.zstdDec != nil {
		c.zstdDec.Close()
	}
	return nil
}

// Ratio calculates compressed size relative to the original
func Ratio(originalSize, compressedSize int) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}

func gzipLevel(level int) int {
	if level < gzip.NoCompression || level > gzip.BestCompression {
		return gzip.DefaultCompression
	}
	return level
}
