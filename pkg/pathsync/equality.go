package pathsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// CompareChunkSize is the read size used by the byte-for-byte strategy.
const CompareChunkSize = 64 * 1024

// CompareStrategy selects how two equally sized files are compared.
type CompareStrategy string

const (
	// CompareBytes reads both files in lockstep and compares chunk by chunk.
	CompareBytes CompareStrategy = "bytes"
	// CompareHash hashes each file completely (FNV-1a, 64 bit) and compares the digests.
	CompareHash CompareStrategy = "hash"
)

var strategyToString = map[CompareStrategy]string{
	CompareBytes: "bytes",
	CompareHash:  "hash",
}

var stringToStrategy map[string]CompareStrategy

// SizeMode selects the size accessor used for the size pre-check.
type SizeMode string

const (
	// SizeLogical compares the length of the file content.
	SizeLogical SizeMode = "logical"
	// SizeAllocated compares the space allocated on disk. Platforms without
	// block accounting fall back to the logical size.
	SizeAllocated SizeMode = "allocated"
)

var sizeModeToString = map[SizeMode]string{
	SizeLogical:   "logical",
	SizeAllocated: "allocated",
}

var stringToSizeMode map[string]SizeMode

func init() {
	stringToStrategy = util.InvertMap(strategyToString)
	stringToSizeMode = util.InvertMap(sizeModeToString)
}

func (cs CompareStrategy) String() string {
	if str, ok := strategyToString[cs]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compare_strategy(%s)", string(cs))
}

func ParseCompareStrategy(s string) (CompareStrategy, error) {
	if strategy, ok := stringToStrategy[strings.ToLower(s)]; ok {
		return strategy, nil
	}
	return "", fmt.Errorf("invalid compare strategy: %q. Must be 'bytes' or 'hash'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (cs CompareStrategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(cs.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (cs *CompareStrategy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("CompareStrategy should be a string, got %s", data)
	}
	parsed, err := ParseCompareStrategy(s)
	if err != nil {
		return err
	}
	*cs = parsed
	return nil
}

func (sm SizeMode) String() string {
	if str, ok := sizeModeToString[sm]; ok {
		return str
	}
	return fmt.Sprintf("unknown_size_mode(%s)", string(sm))
}

func ParseSizeMode(s string) (SizeMode, error) {
	if mode, ok := stringToSizeMode[strings.ToLower(s)]; ok {
		return mode, nil
	}
	return "", fmt.Errorf("invalid size mode: %q. Must be 'logical' or 'allocated'", s)
}

// EqualityChecker decides whether two files have identical content.
// A true result is never returned for files whose bytes differ, except
// for a hash collision under CompareHash.
type EqualityChecker interface {
	Equal(a, b string) (bool, error)
}

type sizeFunc func(path string) (int64, error)

func logicalSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func sizeFuncFor(mode SizeMode) (sizeFunc, error) {
	switch mode {
	case SizeLogical, "":
		return logicalSize, nil
	case SizeAllocated:
		return allocatedSize, nil
	default:
		return nil, fmt.Errorf("unsupported size mode: %s", mode)
	}
}

// NewEqualityChecker returns the checker for strategy. Both sides of every comparison
// use the same size accessor, selected by sizeMode. buffers must hand out
// CompareChunkSize-byte buffers.
func NewEqualityChecker(strategy CompareStrategy, sizeMode SizeMode, buffers *pool.FixedBufferPool, metrics Metrics) (EqualityChecker, error) {
	size, err := sizeFuncFor(sizeMode)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if buffers == nil {
		buffers = pool.NewFixedBuffer(CompareChunkSize)
	}
	switch strategy {
	case CompareBytes, "":
		return &byteChecker{size: size, buffers: buffers, metrics: metrics}, nil
	case CompareHash:
		return &hashChecker{size: size, buffers: buffers, metrics: metrics}, nil
	default:
		return nil, fmt.Errorf("unsupported compare strategy: %s", strategy)
	}
}

// sameSize is the fast path shared by both strategies.
func sameSize(size sizeFunc, a, b string) (bool, error) {
	sizeA, err := size(a)
	if err != nil {
		return false, fmt.Errorf("failed to get size of %s: %w", a, err)
	}
	sizeB, err := size(b)
	if err != nil {
		return false, fmt.Errorf("failed to get size of %s: %w", b, err)
	}
	return sizeA == sizeB, nil
}

type byteChecker struct {
	size    sizeFunc
	buffers *pool.FixedBufferPool
	metrics Metrics
}

func (c *byteChecker) Equal(a, b string) (bool, error) {
	if same, err := sameSize(c.size, a, b); err != nil || !same {
		return false, err
	}

	fa, err := os.Open(a)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", a, err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", b, err)
	}
	defer fb.Close()

	bufPtrA := c.buffers.Get()
	defer c.buffers.Put(bufPtrA)
	bufPtrB := c.buffers.Get()
	defer c.buffers.Put(bufPtrB)
	bufA, bufB := *bufPtrA, *bufPtrB

	for {
		nA, errA := io.ReadFull(fa, bufA)
		if errA != nil && !isEndOfStream(errA) {
			return false, fmt.Errorf("failed to read %s: %w", a, errA)
		}
		nB, errB := io.ReadFull(fb, bufB)
		if errB != nil && !isEndOfStream(errB) {
			return false, fmt.Errorf("failed to read %s: %w", b, errB)
		}
		c.metrics.AddBytesCompared(int64(nA + nB))

		if nA != nB || !bytes.Equal(bufA[:nA], bufB[:nB]) {
			return false, nil
		}
		if errA != nil || errB != nil {
			// Both streams must end at the same point.
			return errA != nil && errB != nil, nil
		}
	}
}

// isEndOfStream reports the two errors io.ReadFull uses for a short or empty final read.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

type hashChecker struct {
	size    sizeFunc
	buffers *pool.FixedBufferPool
	metrics Metrics
}

func (c *hashChecker) Equal(a, b string) (bool, error) {
	if same, err := sameSize(c.size, a, b); err != nil || !same {
		return false, err
	}
	sumA, err := c.digest(a)
	if err != nil {
		return false, err
	}
	sumB, err := c.digest(b)
	if err != nil {
		return false, err
	}
	return sumA == sumB, nil
}

func (c *hashChecker) digest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	bufPtr := c.buffers.Get()
	defer c.buffers.Put(bufPtr)

	h := fnv.New64a()
	n, err := io.CopyBuffer(h, f, *bufPtr)
	if err != nil {
		return 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	c.metrics.AddBytesCompared(n)
	return h.Sum64(), nil
}
