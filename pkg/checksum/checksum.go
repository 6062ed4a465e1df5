// Package checksum computes the composite file checksum HDFS reports for
// files written with CRC32C chunk checksums (MD5-of-MD5-of-CRC32C).
package checksum

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

const (
	// BytesPerChecksum is the size of each CRC chunk.
	BytesPerChecksum = 512
	// Prefix encodes bytesPerCRC (int32 512) followed by crcPerBlock (int64 0).
	Prefix = "000002000000000000000000"
	// Algorithm is the name WebHDFS reports for this checksum.
	Algorithm = "MD5-of-0MD5-of-512CRC32C"
	// Length is the number of bytes the digest encodes.
	Length = 28

	initialPadded = 32
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Hash accumulates the composite checksum incrementally. Chunk boundaries
// follow the logical byte stream regardless of how writes are split.
// A Hash is not safe for concurrent use.
type Hash struct {
	md5md5 hash.Hash
	chunk  []byte
	total  int64
	padded int64
}

// New returns an empty Hash.
func New() *Hash {
	return &Hash{
		md5md5: md5.New(),
		chunk:  make([]byte, 0, BytesPerChecksum),
		padded: initialPadded,
	}
}

// Write implements io.Writer. It never fails.
func (h *Hash) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		if len(h.chunk) == 0 && len(p) >= BytesPerChecksum {
			h.addChunk(p[:BytesPerChecksum])
			p = p[BytesPerChecksum:]
			continue
		}
		take := BytesPerChecksum - len(h.chunk)
		if take > len(p) {
			take = len(p)
		}
		h.chunk = append(h.chunk, p[:take]...)
		p = p[take:]
		if len(h.chunk) == BytesPerChecksum {
			h.addChunk(h.chunk)
			h.chunk = h.chunk[:0]
		}
	}
	return n, nil
}

func (h *Hash) addChunk(chunk []byte) {
	sum := md5.Sum(crcBytes(crc32.Checksum(chunk, castagnoli)))
	h.md5md5.Write(sum[:])
	h.total += md5.Size
	for h.total > h.padded {
		h.padded *= 2
	}
}

// crcBytes returns crc as a big-endian byte string with leading zero bytes
// removed. A zero crc encodes to no bytes at all.
func crcBytes(crc uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], crc)
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// Chunks reports how many CRC chunks have been folded in, counting a
// pending partial chunk.
func (h *Hash) Chunks() int64 {
	n := h.total / md5.Size
	if len(h.chunk) > 0 {
		n++
	}
	return n
}

// Sum returns the raw md5md5 digest of everything written so far. The Hash
// state is not modified.
func (h *Hash) Sum() [md5.Size]byte {
	m := cloneMD5(h.md5md5)
	total, padded := h.total, h.padded
	if len(h.chunk) > 0 {
		sum := md5.Sum(crcBytes(crc32.Checksum(h.chunk, castagnoli)))
		m.Write(sum[:])
		total += md5.Size
		for total > padded {
			padded *= 2
		}
	}
	m.Write(make([]byte, padded-total))
	var out [md5.Size]byte
	copy(out[:], m.Sum(nil))
	return out
}

// Digest returns Prefix followed by the lowercase hex md5md5 digest.
func (h *Hash) Digest() string {
	sum := h.Sum()
	return Prefix + hex.EncodeToString(sum[:])
}

// Reset returns h to its initial state.
func (h *Hash) Reset() {
	h.md5md5.Reset()
	h.chunk = h.chunk[:0]
	h.total = 0
	h.padded = initialPadded
}

// cloneMD5 copies an md5 state through its binary marshaling.
func cloneMD5(h hash.Hash) hash.Hash {
	type marshaler interface {
		MarshalBinary() ([]byte, error)
		UnmarshalBinary([]byte) error
	}
	state, err := h.(marshaler).MarshalBinary()
	if err != nil {
		panic(err)
	}
	out := md5.New()
	if err := out.(marshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}
	return out
}

// Compute reads r to EOF and returns its composite checksum.
func Compute(r io.Reader) (string, error) {
	return compute(r, "")
}

func compute(r io.Reader, path string) (string, error) {
	h := New()
	buf := make([]byte, 64*BytesPerChecksum)
	for {
		n, err := io.ReadFull(r, buf)
		h.Write(buf[:n])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", xerrors.Wrap(xerrors.KindIO, "checksum", path, err)
		}
	}
	return h.Digest(), nil
}

// ComputeFile returns the composite checksum of the local file at path.
func ComputeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Classify("checksum", path, err)
	}
	defer f.Close()
	return compute(f, path)
}

// FileChecksum is the WebHDFS representation of a file checksum.
type FileChecksum struct {
	Algorithm string `json:"algorithm"`
	Bytes     string `json:"bytes"`
	Length    int    `json:"length"`
}

// NewFileChecksum wraps a digest produced by this package.
func NewFileChecksum(digest string) FileChecksum {
	return FileChecksum{Algorithm: Algorithm, Bytes: digest, Length: Length}
}
