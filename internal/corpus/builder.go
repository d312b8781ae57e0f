package corpus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
)

// Builder accumulates documents in memory and produces an index image. It is
// meant for fixtures and local development corpora: the suffix array is built
// by direct comparison sort.
type Builder struct {
	mu       sync.Mutex
	stream   []byte
	starts   []int64
	meta     []byte
	metaOffs []int64
	wide     bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		starts:   []int64{0},
		metaOffs: []int64{0},
	}
}

// ForceWideTable makes the builder write 8-byte suffix-array entries even for
// streams that fit in 4 bytes.
func (b *Builder) ForceWideTable() *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wide = true
	return b
}

// AddDocument appends a document and returns its id. Invalid UTF-8 in text is
// replaced with U+FFFD so the separator byte can never occur inside a
// document.
func (b *Builder) AddDocument(text string, meta Metadata) (int64, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshaling document metadata: %w", err)
	}
	text = strings.ToValidUTF8(text, "\uFFFD")

	b.mu.Lock()
	defer b.mu.Unlock()
	id := int64(len(b.starts) - 1)
	b.stream = append(b.stream, text...)
	b.stream = append(b.stream, Separator)
	b.starts = append(b.starts, int64(len(b.stream)))
	b.meta = append(b.meta, raw...)
	b.meta = append(b.meta, '\n')
	b.metaOffs = append(b.metaOffs, int64(len(b.meta)))
	return id, nil
}

// DocCount returns the number of documents added so far.
func (b *Builder) DocCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.starts) - 1)
}

// Bytes returns the complete index file image.
func (b *Builder) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	sa := make([]int64, len(b.stream))
	for i := range sa {
		sa[i] = int64(i)
	}
	stream := b.stream
	slices.SortFunc(sa, func(x, y int64) int {
		return bytes.Compare(stream[x:], stream[y:])
	})
	width := 4
	if b.wide || int64(len(stream)) > math.MaxUint32 {
		width = 8
	}
	return encodeFile(stream, sa, width, b.starts, b.metaOffs, b.meta)
}

// Build returns an Index over the accumulated documents.
func (b *Builder) Build(opts ...Option) (*Index, error) {
	return FromBytes(b.Bytes(), opts...)
}

// WriteFile writes the index image atomically to path.
func (b *Builder) WriteFile(path string) error {
	return writeFileAtomic(path, b.Bytes())
}
