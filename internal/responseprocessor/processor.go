// Package responseprocessor implements the response processor (spec §4.3,
// C3): canonical serialization, sizing, compression, intelligent
// truncation, and handoff to external storage for oversized payloads.
package responseprocessor

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/metrics"
)

// Algorithm names accepted by Process/Decompress.
const (
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
)

// compressionThreshold is the minimum serialized size before compression
// is attempted at all (spec §4.3 step 4 default).
const compressionThreshold = 1024

// maxUsefulRatio is the point past which compression is not worth its
// CPU cost and is discarded (spec §4.3 step 4).
const maxUsefulRatio = 0.9

// truncationSlack reserves room for the envelope fields added around a
// truncated payload (spec §4.3 step 3: "maxSizeBytes − 200 B").
const truncationSlack = 200

// Config carries the per-job knobs the processor consults. It mirrors
// domain.ResponseConfig plus the fields needed to pick a compression
// algorithm and storage destination.
type Config struct {
	MaxSizeBytes      int64
	CompressResponse  bool
	StoreFullResponse bool
	Algorithm         string // AlgorithmGzip or AlgorithmDeflate; defaults to gzip
	CompressionLevel  int    // passed to the flate/gzip writer; 0 means default
	ThresholdBytes    int64  // minimum serialized size before compression; 0 means compressionThreshold
	StoragePrefix     string // e.g. "executions/"
}

// ExternalStorage is the injected capability that persists oversized,
// compressed payloads outside the database (spec §4.3: "the actual
// transport is an injected capability, not part of the core contract").
type ExternalStorage interface {
	// Put stores data under key and returns the URI it can later be read
	// back from (scheme s3://, azure://, or local://).
	Put(ctx context.Context, key string, data []byte) (uri string, err error)
	// Get reads back data previously stored at uri.
	Get(ctx context.Context, uri string) ([]byte, error)
}

// StorageInfo describes where an externally stored payload landed.
type StorageInfo struct {
	Provider  string
	Location  string
	Size      int64
	Checksum  string
	ExpiresAt *time.Time
}

// ProcessedResponse is the result of Process (spec §4.3).
type ProcessedResponse struct {
	Data              []byte
	IsCompressed      bool
	IsTruncated       bool
	OriginalSize      int64
	CompressedSize    int64
	CompressionRatio  float64
	Checksum          string
	StorageLocation   string
	ExternalStorage   *StorageInfo
}

// Processor implements C3. It is stateless except for its ExternalStorage
// collaborator and is safe for concurrent use.
type Processor struct {
	storage ExternalStorage
}

// New builds a Processor. storage may be nil; Process then falls back to
// truncation for any payload that would otherwise be handed to external
// storage (storeFullResponse is treated as unavailable).
func New(storage ExternalStorage) *Processor {
	return &Processor{storage: storage}
}

// Process runs payload through the pipeline described in spec §4.3.
func (p *Processor) Process(ctx context.Context, payload any, cfg Config) (*ProcessedResponse, error) {
	serialized, err := canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCompression, err)
	}

	originalSize := int64(len(serialized))
	checksum := checksumOf(serialized)

	if cfg.MaxSizeBytes > 0 && originalSize > cfg.MaxSizeBytes {
		if cfg.StoreFullResponse && p.storage != nil {
			metrics.ResponseExternalizedTotal.Inc()
			return p.storeExternally(ctx, serialized, cfg, originalSize, checksum)
		}
		metrics.ResponseTruncatedTotal.Inc()
		return p.truncate(serialized, cfg, originalSize, checksum)
	}

	threshold := cfg.ThresholdBytes
	if threshold <= 0 {
		threshold = compressionThreshold
	}
	if cfg.CompressResponse && originalSize > threshold {
		if resp, ok := p.compress(serialized, cfg, originalSize, checksum); ok {
			return resp, nil
		}
	}

	return &ProcessedResponse{
		Data:         serialized,
		OriginalSize: originalSize,
		Checksum:     checksum,
	}, nil
}

// Decompress reverses the compression step. It fails with
// domain.ErrDecompression on corrupt input.
func (p *Processor) Decompress(data []byte, isCompressed bool, algorithm string) ([]byte, error) {
	if !isCompressed {
		return data, nil
	}
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDecompression, err)
	}

	var r io.ReadCloser
	switch algorithm {
	case AlgorithmDeflate, "":
		if algorithm == "" {
			algorithm = AlgorithmGzip
		}
	}
	switch algorithm {
	case AlgorithmGzip:
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrDecompression, err)
		}
		r = gr
	case AlgorithmDeflate:
		r = flate.NewReader(bytes.NewReader(raw))
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", domain.ErrDecompression, algorithm)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDecompression, err)
	}
	return out, nil
}

func (p *Processor) compress(serialized []byte, cfg Config, originalSize int64, checksum string) (*ProcessedResponse, bool) {
	algo := cfg.Algorithm
	if algo == "" {
		algo = AlgorithmGzip
	}

	var buf bytes.Buffer
	var werr error
	switch algo {
	case AlgorithmDeflate:
		fw, err := flate.NewWriter(&buf, levelOrDefault(cfg.CompressionLevel, flate.DefaultCompression))
		if err != nil {
			return nil, false
		}
		_, werr = fw.Write(serialized)
		if werr == nil {
			werr = fw.Close()
		}
	default:
		gw, err := gzip.NewWriterLevel(&buf, levelOrDefault(cfg.CompressionLevel, gzip.DefaultCompression))
		if err != nil {
			return nil, false
		}
		_, werr = gw.Write(serialized)
		if werr == nil {
			werr = gw.Close()
		}
	}
	if werr != nil {
		return nil, false
	}

	compressedSize := int64(buf.Len())
	ratio := float64(compressedSize) / float64(originalSize)
	if ratio > maxUsefulRatio {
		return nil, false
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(encoded, buf.Bytes())

	metrics.ResponseCompressionRatio.Observe(ratio)

	return &ProcessedResponse{
		Data:             encoded,
		IsCompressed:     true,
		OriginalSize:     originalSize,
		CompressedSize:   compressedSize,
		CompressionRatio: ratio,
		Checksum:         checksum,
	}, true
}

func levelOrDefault(level, def int) int {
	if level == 0 {
		return def
	}
	return level
}

// truncate implements the "intelligently truncate" branch of spec §4.3
// step 3: sequences/mappings keep a maximal prefix under the byte budget.
func (p *Processor) truncate(serialized []byte, cfg Config, originalSize int64, checksum string) (*ProcessedResponse, error) {
	budget := cfg.MaxSizeBytes - truncationSlack
	if budget < 0 {
		budget = 0
	}

	var decoded any
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		// Not structured data — fall back to a byte-prefix truncation.
		if int64(len(serialized)) > budget {
			serialized = serialized[:budget]
		}
		return envelopeTruncated(serialized, originalSize, checksum, 0, 0), nil
	}

	truncated, kept, total := truncateValue(decoded, budget)
	data, err := json.Marshal(truncated)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCompression, err)
	}
	return envelopeTruncated(data, originalSize, checksum, kept, total), nil
}

func envelopeTruncated(data []byte, originalSize int64, checksum string, kept, total int) *ProcessedResponse {
	msg := "response truncated to fit within the configured size limit"
	if total > 0 {
		msg = fmt.Sprintf("response truncated: kept %d of %d items", kept, total)
	}
	envelope := map[string]any{
		"_truncated":    true,
		"_originalSize": originalSize,
		"_message":      msg,
		"data":          json.RawMessage(data),
	}
	out, _ := json.Marshal(envelope)
	return &ProcessedResponse{
		Data:         out,
		IsTruncated:  true,
		OriginalSize: originalSize,
		Checksum:     checksum,
	}
}

// truncateValue keeps a maximal prefix of v's elements whose re-serialized
// size stays at or under budget, returning (truncatedValue, keptCount,
// totalCount). Non-sequence/mapping values are returned unchanged. For a
// map, "prefix" means sorted-key order, not insertion order — encoding/json
// already discards the original key order by the time this runs.
func truncateValue(v any, budget int64) (any, int, int) {
	switch t := v.(type) {
	case []any:
		kept := make([]any, 0, len(t))
		var size int64
		for _, item := range t {
			b, err := json.Marshal(item)
			if err != nil {
				break
			}
			size += int64(len(b)) + 1
			if size > budget {
				break
			}
			kept = append(kept, item)
		}
		return kept, len(kept), len(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kept := make(map[string]any, len(t))
		var size int64
		count := 0
		for _, k := range keys {
			b, err := json.Marshal(t[k])
			if err != nil {
				break
			}
			size += int64(len(b)) + int64(len(k)) + 2
			if size > budget {
				break
			}
			kept[k] = t[k]
			count++
		}
		return kept, count, len(t)
	default:
		return v, 0, 0
	}
}

func (p *Processor) storeExternally(ctx context.Context, serialized []byte, cfg Config, originalSize int64, checksum string) (*ProcessedResponse, error) {
	compressed, ok := p.compress(serialized, Config{
		CompressResponse: true,
		Algorithm:        cfg.Algorithm,
		CompressionLevel: cfg.CompressionLevel,
	}, originalSize, checksum)
	payload := serialized
	isCompressed := false
	if ok {
		payload = compressed.Data
		isCompressed = true
	}

	key := fmt.Sprintf("%s%s/%s.json", cfg.StoragePrefix, time.Now().UTC().Format("20060102T150405Z"), randomHex(8))
	uri, err := p.storage.Put(ctx, key, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrStorageUnavailable, err)
	}

	info := &StorageInfo{
		Provider: schemeOf(uri),
		Location: uri,
		Size:     int64(len(payload)),
		Checksum: checksum,
	}

	synthetic := map[string]any{
		"type": "external_storage",
		"storage": map[string]any{
			"provider": info.Provider,
			"location": info.Location,
			"size":     info.Size,
			"checksum": info.Checksum,
		},
		"originalSize": originalSize,
	}
	out, _ := json.Marshal(synthetic)

	return &ProcessedResponse{
		Data:            out,
		IsCompressed:    isCompressed,
		OriginalSize:    originalSize,
		Checksum:        checksum,
		StorageLocation: uri,
		ExternalStorage: info,
	}, nil
}

// canonicalize serializes payload to JSON, rewriting cyclic references
// (spec §4.3 step 1) as the literal sentinel string.
func canonicalize(payload any) ([]byte, error) {
	safe := breakCycles(payload, make(map[uintptr]bool))
	return json.Marshal(safe)
}

func checksumOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func schemeOf(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == ':' {
			return uri[:i]
		}
	}
	return ""
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
