package corpus

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// File layout constants for .sagx index files.
const (
	MagicBytes    uint32 = 0x53414758
	FormatVersion uint32 = 1
	HeaderSize    int    = 64
	FooterSize    int    = 32

	// Separator terminates every document in the stream. It never occurs in
	// valid UTF-8, so no query pattern can match across a document boundary.
	Separator byte = 0xFF

	FileExtension = ".sagx"
)

// Header is the fixed 64-byte header written at the start of every index file.
type Header struct {
	Magic     uint32
	Version   uint32
	Width     uint32
	Flags     uint32
	StreamLen uint64
	DocCount  uint64
	TableOff  uint64
	DocsOff   uint64
	MetaOff   uint64
	MetaSize  uint64
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.Width)
	binary.LittleEndian.PutUint32(b[12:16], h.Flags)
	binary.LittleEndian.PutUint64(b[16:24], h.StreamLen)
	binary.LittleEndian.PutUint64(b[24:32], h.DocCount)
	binary.LittleEndian.PutUint64(b[32:40], h.TableOff)
	binary.LittleEndian.PutUint64(b[40:48], h.DocsOff)
	binary.LittleEndian.PutUint64(b[48:56], h.MetaOff)
	binary.LittleEndian.PutUint64(b[56:64], h.MetaSize)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:     binary.LittleEndian.Uint32(b[0:4]),
		Version:   binary.LittleEndian.Uint32(b[4:8]),
		Width:     binary.LittleEndian.Uint32(b[8:12]),
		Flags:     binary.LittleEndian.Uint32(b[12:16]),
		StreamLen: binary.LittleEndian.Uint64(b[16:24]),
		DocCount:  binary.LittleEndian.Uint64(b[24:32]),
		TableOff:  binary.LittleEndian.Uint64(b[32:40]),
		DocsOff:   binary.LittleEndian.Uint64(b[40:48]),
		MetaOff:   binary.LittleEndian.Uint64(b[48:56]),
		MetaSize:  binary.LittleEndian.Uint64(b[56:64]),
	}
}

// layout is the decoded, not yet validated, set of sections of an index file.
type layout struct {
	stream   []byte
	table    []byte
	width    int
	starts   []byte
	metaOffs []byte
	meta     []byte
	docCount int64
}

// encodeFile serialises the sections into the complete file image.
func encodeFile(stream []byte, sa []int64, width int, starts []int64, metaOffs []int64, meta []byte) []byte {
	streamLen := uint64(len(stream))
	docCount := uint64(len(starts) - 1)
	h := Header{
		Magic:     MagicBytes,
		Version:   FormatVersion,
		Width:     uint32(width),
		StreamLen: streamLen,
		DocCount:  docCount,
	}
	h.TableOff = uint64(HeaderSize) + streamLen
	h.DocsOff = h.TableOff + streamLen*uint64(width)
	h.MetaOff = h.DocsOff + 2*(docCount+1)*8
	h.MetaSize = uint64(len(meta))
	total := h.MetaOff + h.MetaSize + uint64(FooterSize)

	buf := make([]byte, total)
	copy(buf[0:HeaderSize], h.encode())
	copy(buf[HeaderSize:], stream)

	table := buf[h.TableOff:h.DocsOff]
	for i, pos := range sa {
		if width == 4 {
			binary.LittleEndian.PutUint32(table[i*4:], uint32(pos))
		} else {
			binary.LittleEndian.PutUint64(table[i*8:], uint64(pos))
		}
	}
	docs := buf[h.DocsOff:h.MetaOff]
	for i, s := range starts {
		binary.LittleEndian.PutUint64(docs[i*8:], uint64(s))
	}
	offs := docs[(docCount+1)*8:]
	for i, o := range metaOffs {
		binary.LittleEndian.PutUint64(offs[i*8:], uint64(o))
	}
	copy(buf[h.MetaOff:], meta)

	footerStart := h.MetaOff + h.MetaSize
	footer := buf[footerStart:]
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(buf[:footerStart]))
	binary.LittleEndian.PutUint64(footer[8:16], docCount)
	binary.LittleEndian.PutUint64(footer[16:24], streamLen)
	binary.LittleEndian.PutUint32(footer[24:28], MagicBytes)
	return buf
}

// decodeFile slices the file image into its sections, checking the header,
// section bounds and, when verify is set, the footer checksum.
func decodeFile(buf []byte, verify bool) (*layout, error) {
	if len(buf) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupt, len(buf))
	}
	h := decodeHeader(buf[:HeaderSize])
	if h.Magic != MagicBytes {
		return nil, fmt.Errorf("%w: bad magic bytes %x", ErrCorrupt, h.Magic)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, h.Version)
	}
	if h.Width != 4 && h.Width != 8 {
		return nil, fmt.Errorf("%w: unsupported suffix array width %d", ErrCorrupt, h.Width)
	}
	size := uint64(len(buf))
	if h.TableOff != uint64(HeaderSize)+h.StreamLen ||
		h.DocsOff != h.TableOff+h.StreamLen*uint64(h.Width) ||
		h.MetaOff != h.DocsOff+2*(h.DocCount+1)*8 ||
		h.MetaOff+h.MetaSize+uint64(FooterSize) != size {
		return nil, fmt.Errorf("%w: section offsets do not match file size %d", ErrCorrupt, size)
	}
	footerStart := h.MetaOff + h.MetaSize
	footer := buf[footerStart:]
	if binary.LittleEndian.Uint64(footer[8:16]) != h.DocCount ||
		binary.LittleEndian.Uint64(footer[16:24]) != h.StreamLen {
		return nil, fmt.Errorf("%w: footer disagrees with header", ErrCorrupt)
	}
	if verify {
		want := binary.LittleEndian.Uint32(footer[0:4])
		if got := crc32.ChecksumIEEE(buf[:footerStart]); got != want {
			return nil, fmt.Errorf("%w: checksum mismatch (got %08x, want %08x)", ErrCorrupt, got, want)
		}
	}
	docs := buf[h.DocsOff:h.MetaOff]
	n := (h.DocCount + 1) * 8
	return &layout{
		stream:   buf[HeaderSize:h.TableOff],
		table:    buf[h.TableOff:h.DocsOff],
		width:    int(h.Width),
		starts:   docs[:n],
		metaOffs: docs[n:],
		meta:     buf[h.MetaOff:footerStart],
		docCount: int64(h.DocCount),
	}, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place once synced.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing index file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing index file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming index file: %w", err)
	}
	return nil
}
