// Package corpus provides the read-only, memory-resident corpus index used for
// span attribution: a byte stream of concatenated documents, a suffix array
// over every stream position, a document boundary table and a per-document
// metadata table, all held as flat sections of a single immutable arena.
package corpus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
)

var (
	// ErrCorrupt marks an index whose on-disk or in-memory invariants are
	// violated. An index that reports it must not serve further requests.
	ErrCorrupt = errors.New("corpus index corrupt")

	// ErrDocumentNotFound is returned for document ids outside the index.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrPositionOutOfRange is returned when a stream position does not fall
	// inside any document.
	ErrPositionOutOfRange = errors.New("position out of range")
)

// Display carries the per-index presentation settings attached to every
// document resolved from the index.
type Display struct {
	DisplayName   string
	SecondaryName string
	Usage         string
}

// Range is a half-open interval [Lo, Hi) of suffix-array slots whose suffixes
// all begin with the same Depth-byte prefix.
type Range struct {
	Lo    int64
	Hi    int64
	Depth int
}

// Count returns the number of suffixes in the range.
func (r Range) Count() int64 {
	if r.Hi <= r.Lo {
		return 0
	}
	return r.Hi - r.Lo
}

// Index is an immutable corpus index. All methods are safe for concurrent use
// by any number of readers; nothing is mutated after Open returns.
type Index struct {
	name      string
	display   Display
	arena     []byte
	stream    []byte
	table     []byte
	width     int
	starts    []byte
	metaOffs  []byte
	meta      []byte
	docCount  int64
	streamLen int64
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	name           string
	display        Display
	verifyChecksum bool
	orderSamples   int
	logger         *slog.Logger
}

// WithName sets the index name. Default is the file name without extension.
func WithName(name string) Option {
	return func(o *openOptions) { o.name = name }
}

// WithDisplay sets the presentation settings for documents of this index.
func WithDisplay(d Display) Option {
	return func(o *openOptions) { o.display = d }
}

// WithChecksum enables verification of the footer CRC on load.
func WithChecksum(verify bool) Option {
	return func(o *openOptions) { o.verifyChecksum = verify }
}

// WithOrderSamples sets how many evenly spaced suffix-array neighbours are
// checked for sort order on load. Zero disables the check.
func WithOrderSamples(n int) Option {
	return func(o *openOptions) { o.orderSamples = n }
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
	}
}

func defaultOpenOptions() openOptions {
	return openOptions{
		verifyChecksum: true,
		orderSamples:   1024,
		logger:         slog.Default(),
	}
}

// Open reads the index file at path fully into memory and validates it.
func Open(path string, opts ...Option) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading index file %s: %w", path, err)
	}
	o := defaultOpenOptions()
	o.name = nameFromPath(path)
	for _, opt := range opts {
		opt(&o)
	}
	idx, err := fromBytes(data, o)
	if err != nil {
		return nil, fmt.Errorf("loading index %s: %w", path, err)
	}
	o.logger.Info("corpus index loaded",
		"index", idx.name,
		"path", path,
		"documents", idx.docCount,
		"stream_bytes", idx.streamLen,
		"suffix_width", idx.width,
	)
	return idx, nil
}

// FromBytes builds an Index over an in-memory file image. The slice is
// retained and must not be modified afterwards.
func FromBytes(data []byte, opts ...Option) (*Index, error) {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return fromBytes(data, o)
}

func fromBytes(data []byte, o openOptions) (*Index, error) {
	l, err := decodeFile(data, o.verifyChecksum)
	if err != nil {
		return nil, err
	}
	idx := &Index{
		name:      o.name,
		display:   o.display,
		arena:     data,
		stream:    l.stream,
		table:     l.table,
		width:     l.width,
		starts:    l.starts,
		metaOffs:  l.metaOffs,
		meta:      l.meta,
		docCount:  l.docCount,
		streamLen: int64(len(l.stream)),
	}
	if err := idx.verify(o.orderSamples); err != nil {
		return nil, err
	}
	return idx, nil
}

// verify checks the structural invariants that lookups depend on.
func (x *Index) verify(orderSamples int) error {
	if x.start(0) != 0 {
		return fmt.Errorf("%w: first document does not start at 0", ErrCorrupt)
	}
	if x.start(x.docCount) != x.streamLen {
		return fmt.Errorf("%w: document table does not cover the stream", ErrCorrupt)
	}
	for i := int64(0); i < x.docCount; i++ {
		end := x.start(i + 1)
		if end <= x.start(i) {
			return fmt.Errorf("%w: document %d has non-increasing bounds", ErrCorrupt, i)
		}
		if x.stream[end-1] != Separator {
			return fmt.Errorf("%w: document %d is not terminated by a separator", ErrCorrupt, i)
		}
	}
	var prevMeta int64
	for i := int64(0); i <= x.docCount; i++ {
		off := x.metaOff(i)
		if off < prevMeta || off > int64(len(x.meta)) {
			return fmt.Errorf("%w: metadata offset %d out of order", ErrCorrupt, i)
		}
		prevMeta = off
	}
	if x.streamLen < 2 || orderSamples <= 0 {
		return nil
	}
	step := x.streamLen / int64(orderSamples)
	if step < 1 {
		step = 1
	}
	for i := int64(0); i+1 < x.streamLen; i += step {
		a, b := x.suffix(i), x.suffix(i+1)
		if a < 0 || a >= x.streamLen || b < 0 || b >= x.streamLen {
			return fmt.Errorf("%w: suffix array entry out of range at slot %d", ErrCorrupt, i)
		}
		if bytes.Compare(x.prefix(a, 256), x.prefix(b, 256)) > 0 {
			return fmt.Errorf("%w: suffix array out of order at slot %d", ErrCorrupt, i)
		}
	}
	return nil
}

// Name returns the index name.
func (x *Index) Name() string { return x.name }

// Display returns the presentation settings of the index.
func (x *Index) Display() Display { return x.display }

// DocCount returns the number of documents in the index.
func (x *Index) DocCount() int64 { return x.docCount }

// StreamLen returns the length of the byte stream, separators included.
func (x *Index) StreamLen() int64 { return x.streamLen }

// SizeBytes returns the size of the loaded arena.
func (x *Index) SizeBytes() int64 { return int64(len(x.arena)) }

func (x *Index) suffix(slot int64) int64 {
	if x.width == 4 {
		return int64(binary.LittleEndian.Uint32(x.table[slot*4:]))
	}
	return int64(binary.LittleEndian.Uint64(x.table[slot*8:]))
}

func (x *Index) start(doc int64) int64 {
	return int64(binary.LittleEndian.Uint64(x.starts[doc*8:]))
}

func (x *Index) metaOff(doc int64) int64 {
	return int64(binary.LittleEndian.Uint64(x.metaOffs[doc*8:]))
}

// prefix returns up to n bytes of the suffix starting at pos.
func (x *Index) prefix(pos int64, n int) []byte {
	end := pos + int64(n)
	if end > x.streamLen {
		end = x.streamLen
	}
	return x.stream[pos:end]
}

// compareAt compares the suffix at pos, skipping its first depth bytes,
// against pattern[depth:], looking only at len(pattern)-depth bytes.
func (x *Index) compareAt(pos int64, pattern []byte, depth int) int {
	from := pos + int64(depth)
	if from > x.streamLen {
		from = x.streamLen
	}
	return bytes.Compare(x.prefix(from, len(pattern)-depth), pattern[depth:])
}

// Full returns the range covering every suffix, at depth zero.
func (x *Index) Full() Range {
	return Range{Lo: 0, Hi: x.streamLen}
}

// Find returns the suffix-array range of suffixes beginning with pattern.
func (x *Index) Find(pattern []byte) Range {
	if len(pattern) == 0 || x.streamLen == 0 {
		return Range{Depth: len(pattern)}
	}
	return x.Narrow(x.Full(), pattern)
}

// Narrow refines r, which must be the range of pattern[:r.Depth], to the range
// of the longer pattern. Only the bytes past r.Depth are compared, so growing
// a match one character at a time costs O(character bytes * log range).
func (x *Index) Narrow(r Range, pattern []byte) Range {
	if len(pattern) <= r.Depth {
		return r
	}
	if r.Count() == 0 {
		return Range{Lo: r.Lo, Hi: r.Lo, Depth: len(pattern)}
	}
	n := int(r.Hi - r.Lo)
	lo := r.Lo + int64(sort.Search(n, func(i int) bool {
		return x.compareAt(x.suffix(r.Lo+int64(i)), pattern, r.Depth) >= 0
	}))
	hi := lo + int64(sort.Search(int(r.Hi-lo), func(i int) bool {
		return x.compareAt(x.suffix(lo+int64(i)), pattern, r.Depth) > 0
	}))
	return Range{Lo: lo, Hi: hi, Depth: len(pattern)}
}

// Count returns the number of stream positions at which pattern occurs. An
// empty pattern or an empty corpus yields zero.
func (x *Index) Count(pattern []byte) int64 {
	return x.Find(pattern).Count()
}

// Locate returns at most limit occurrence positions of pattern. The subset is
// the first limit slots of the suffix-array range, returned in ascending
// position order, so identical inputs always yield identical output.
func (x *Index) Locate(pattern []byte, limit int) []int64 {
	return x.LocateRange(x.Find(pattern), limit)
}

// LocateRange is Locate over an already computed range.
func (x *Index) LocateRange(r Range, limit int) []int64 {
	n := r.Count()
	if limit <= 0 || n == 0 {
		return []int64{}
	}
	if int64(limit) < n {
		n = int64(limit)
	}
	positions := make([]int64, n)
	for i := int64(0); i < n; i++ {
		positions[i] = x.suffix(r.Lo + i)
	}
	slices.Sort(positions)
	return positions
}

// DocumentAt returns the id of the document containing the stream position.
// Separator positions and positions outside the stream are rejected.
func (x *Index) DocumentAt(pos int64) (int64, error) {
	if pos < 0 || pos >= x.streamLen {
		return 0, fmt.Errorf("%w: %d (stream length %d)", ErrPositionOutOfRange, pos, x.streamLen)
	}
	doc := int64(sort.Search(int(x.docCount), func(i int) bool {
		return x.start(int64(i)+1) > pos
	}))
	if doc >= x.docCount {
		return 0, fmt.Errorf("%w: position %d beyond document table", ErrCorrupt, pos)
	}
	if pos == x.start(doc+1)-1 {
		return 0, fmt.Errorf("%w: %d is a document separator", ErrPositionOutOfRange, pos)
	}
	return doc, nil
}

// DocumentBounds returns the half-open stream range [start, end) of the
// document's text, excluding its separator.
func (x *Index) DocumentBounds(doc int64) (start, end int64, err error) {
	if doc < 0 || doc >= x.docCount {
		return 0, 0, fmt.Errorf("%w: %d", ErrDocumentNotFound, doc)
	}
	return x.start(doc), x.start(doc+1) - 1, nil
}

// DocumentText returns the full text of the document.
func (x *Index) DocumentText(doc int64) (string, error) {
	start, end, err := x.DocumentBounds(doc)
	if err != nil {
		return "", err
	}
	return string(x.stream[start:end]), nil
}

// Slice returns the raw stream bytes in [start, end). The returned slice
// aliases the arena and must not be modified.
func (x *Index) Slice(start, end int64) []byte {
	return x.stream[start:end]
}
