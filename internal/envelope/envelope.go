// Package envelope implements the on-disk/on-wire byte framing every cached
// value passes through before it reaches an L2 backend: an optional LZ4
// compression pass, an xxh3-64 checksum, and a small fixed header carrying
// enough metadata to safely reverse the process later, possibly in a
// different process or after a restart.
//
// The wire format matches the data model bit-for-bit (spec.md §6):
//
//	byte 0:           version (currently 0x01)
//	byte 1..:         fmt_len (unsigned varint) || fmt_tag (fmt_len bytes, UTF-8)
//	next 8 bytes:     xxh3-64 checksum of compressed_payload (the bytes actually
//	                  stored below, post compression decision), little-endian
//	next 4 bytes:     original (uncompressed) size, little-endian uint32
//	remaining bytes:  compressed_payload (LZ4-compressed, or a verbatim copy of
//	                  the original bytes if compression did not help)
//
// There is no separate compression flag: a payload whose length equals
// original_size was stored verbatim; any shorter payload is LZ4-compressed.
// A payload can never legitimately be longer than original_size, since
// Store falls back to a verbatim copy whenever compression does not shrink
// the input.
package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
)

const (
	version = 0x01

	// MaxUncompressed bounds the original_size field to guard against
	// decompression bombs (spec.md §4.1).
	MaxUncompressed = 512 * 1024 * 1024

	// MaxRatio bounds original_size / compressed_len for the same reason.
	MaxRatio = 100

	// compressThreshold is the minimum plaintext size worth attempting
	// compression on; below it the framing overhead dominates any gain.
	compressThreshold = 64

	// maxFormatTagLen bounds fmt_len so a malformed envelope can't claim
	// an enormous tag and force an unbounded read.
	maxFormatTagLen = 256
)

// Store frames plaintext into an envelope, tagging it with formatTag (the
// serializer identity that produced plaintext, e.g. "binary", "jsonfast").
func Store(plaintext []byte, formatTag string) ([]byte, error) {
	if len(plaintext) > MaxUncompressed {
		return nil, cacheerr.New(cacheerr.KindData, "envelope.store", "", cacheerr.ErrSizeLimitExceeded)
	}
	if len(formatTag) > maxFormatTagLen {
		return nil, cacheerr.New(cacheerr.KindData, "envelope.store", "", fmt.Errorf("format tag too long: %d bytes", len(formatTag)))
	}

	payload := plaintext
	if len(plaintext) >= compressThreshold {
		if compressed, err := compress(plaintext); err == nil && len(compressed) < len(plaintext) {
			payload = compressed
		}
	}

	sum := xxh3.Hash(payload)

	tagLenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tagLenBuf, uint64(len(formatTag)))

	out := make([]byte, 0, 1+n+len(formatTag)+8+4+len(payload))
	out = append(out, version)
	out = append(out, tagLenBuf[:n]...)
	out = append(out, formatTag...)

	var checksumBuf [8]byte
	binary.LittleEndian.PutUint64(checksumBuf[:], sum)
	out = append(out, checksumBuf[:]...)

	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(plaintext)))
	out = append(out, sizeBuf[:]...)

	out = append(out, payload...)
	return out, nil
}

// Retrieve reverses Store, returning the original plaintext and the format
// tag it was stored with.
func Retrieve(envelope []byte) ([]byte, string, error) {
	if len(envelope) < 1 {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", cacheerr.ErrMalformedEnvelope)
	}
	if envelope[0] != version {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", fmt.Errorf("%w: unknown version %d", cacheerr.ErrMalformedEnvelope, envelope[0]))
	}

	rest := envelope[1:]
	tagLen, n := binary.Uvarint(rest)
	if n <= 0 || tagLen > maxFormatTagLen {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", cacheerr.ErrMalformedEnvelope)
	}
	rest = rest[n:]
	if uint64(len(rest)) < tagLen+8+4 {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", cacheerr.ErrMalformedEnvelope)
	}
	formatTag := string(rest[:tagLen])
	rest = rest[tagLen:]

	wantSum := binary.LittleEndian.Uint64(rest[:8])
	originalSize := binary.LittleEndian.Uint32(rest[8:12])
	payload := rest[12:]

	if originalSize > MaxUncompressed {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", cacheerr.ErrSizeLimitExceeded)
	}
	compressedLen := len(payload)
	if compressedLen == 0 {
		compressedLen = 1
	}
	if uint64(originalSize)/uint64(compressedLen) > MaxRatio {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", fmt.Errorf("%w: compression ratio exceeds bound", cacheerr.ErrSizeLimitExceeded))
	}

	// Verify compressed_payload's checksum before touching the decompressor,
	// so a flipped bit anywhere in payload or checksum surfaces as an
	// IntegrityError rather than a decompress failure or length mismatch.
	if xxh3.Hash(payload) != wantSum {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", cacheerr.ErrIntegrity)
	}

	var plaintext []byte
	switch {
	case len(payload) == int(originalSize):
		// Stored verbatim: compression either wasn't attempted or didn't help.
		plaintext = payload
	case len(payload) < int(originalSize):
		decompressed, err := decompress(payload, int(originalSize))
		if err != nil {
			return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", fmt.Errorf("%w: %v", cacheerr.ErrMalformedEnvelope, err))
		}
		plaintext = decompressed
	default:
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", cacheerr.ErrMalformedEnvelope)
	}

	if uint32(len(plaintext)) != originalSize {
		return nil, "", cacheerr.New(cacheerr.KindData, "envelope.retrieve", "", cacheerr.ErrMalformedEnvelope)
	}

	return plaintext, formatTag, nil
}

func compress(src []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible; lz4 signals this by returning 0.
		return src, fmt.Errorf("incompressible")
	}
	return buf[:n], nil
}

func decompress(src []byte, originalSize int) ([]byte, error) {
	if originalSize < 0 || originalSize > MaxUncompressed {
		return nil, fmt.Errorf("invalid original size %d", originalSize)
	}
	dst := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
