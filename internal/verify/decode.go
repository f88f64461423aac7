package verify

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	log "github.com/sirupsen/logrus"
)

// acceptEncoding is sent on verification requests; the transport then leaves
// decoding to readBody.
const acceptEncoding = "gzip, deflate, br, zstd"

// maxResponseBytes bounds a decoded response body.
const maxResponseBytes = 8 << 20

// readBody reads resp.Body and undoes its Content-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return decompress(resp.Header.Get("Content-Encoding"), raw)
}

func decompress(contentEncoding string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		return decompressGzip(data)
	case "deflate":
		return decompressDeflate(data)
	case "br":
		return decompressBrotli(data)
	case "zstd":
		return decompressZstd(data)
	default:
		return data, nil
	}
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer func() {
		if errClose := reader.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close gzip reader")
		}
	}()
	decompressed, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip data: %w", err)
	}
	return decompressed, nil
}

func decompressDeflate(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer func() {
		if errClose := reader.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close deflate reader")
		}
	}()
	decompressed, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress deflate data: %w", err)
	}
	return decompressed, nil
}

func decompressBrotli(data []byte) ([]byte, error) {
	reader := brotli.NewReader(bytes.NewReader(data))
	decompressed, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress brotli data: %w", err)
	}
	return decompressed, nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer decoder.Close()
	decompressed, err := io.ReadAll(io.LimitReader(decoder, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
	}
	return decompressed, nil
}
