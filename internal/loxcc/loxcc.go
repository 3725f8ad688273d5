// Package loxcc implements the proprietary compression format used for the
// Miniserver configuration archive entry (sps0.LoxCC). The format is a
// byte-oriented LZ variant: a control byte splits into a literal run length
// (high nibble) and a base match length (low nibble), each extensible by
// 0xFF-terminated continuation bytes, followed by a 2-byte little-endian
// back-distance.
package loxcc

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"codeberg.org/mutker/loxbridge/internal/errors"
)

// Magic is the container identifier preceding the compressed entry.
const Magic = 0xAABBCCEE

const headerSize = 16

// Header describes the compressed entry that follows it.
type Header struct {
	CompressedSize   uint32
	UncompressedSize uint32
	Checksum         uint32
}

// ParseContainer validates the 4-byte magic and the little-endian header and
// returns the compressed payload.
func ParseContainer(data []byte) (Header, []byte, error) {
	errFactory := errors.New()

	if len(data) < headerSize {
		return Header{}, nil, errFactory.WithData(ErrShortHeader, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data); magic != Magic {
		return Header{}, nil, errFactory.WithData(ErrBadMagic, fmt.Sprintf("0x%08x", magic))
	}

	hdr := Header{
		CompressedSize:   binary.LittleEndian.Uint32(data[4:]),
		UncompressedSize: binary.LittleEndian.Uint32(data[8:]),
		Checksum:         binary.LittleEndian.Uint32(data[12:]),
	}

	payload := data[headerSize:]
	if uint32(len(payload)) < hdr.CompressedSize {
		return Header{}, nil, errFactory.WithData(ErrShortBody, struct {
			Want uint32
			Have int
		}{hdr.CompressedSize, len(payload)})
	}

	return hdr, payload[:hdr.CompressedSize], nil
}

// Unpack parses the container framing and decompresses its payload.
func Unpack(data []byte) ([]byte, error) {
	hdr, payload, err := ParseContainer(data)
	if err != nil {
		return nil, err
	}

	return Decompress(payload, hdr.UncompressedSize, hdr.Checksum)
}

// Decompress expands a compressed payload and verifies the CRC-32 checksum
// and the uncompressed size against the header's claims. It never reads past
// the payload: truncated input fails with a coded error instead.
func Decompress(payload []byte, uncompressedSize, checksum uint32) ([]byte, error) {
	errFactory := errors.New()

	out := make([]byte, 0, uncompressedSize)
	i := 0
	for i < len(payload) {
		ctrl := payload[i]
		i++
		literals := int(ctrl >> 4)
		matchBase := int(ctrl & 0x0f)

		if literals == 15 {
			for {
				if i >= len(payload) {
					return nil, errFactory.WithMessage(ErrTruncated, "truncated literal length extension")
				}
				add := payload[i]
				i++
				literals += int(add)
				if add != 0xff {
					break
				}
			}
		}

		if literals > 0 {
			if i+literals > len(payload) {
				return nil, errFactory.WithMessage(ErrTruncated, "truncated literal run")
			}
			out = append(out, payload[i:i+literals]...)
			i += literals
		}

		// A block ending exactly on the literal run terminates the stream.
		if i >= len(payload) {
			break
		}

		if i+2 > len(payload) {
			return nil, errFactory.WithMessage(ErrTruncated, "truncated back-distance")
		}
		dist := int(binary.LittleEndian.Uint16(payload[i:]))
		i += 2

		match := 4 + matchBase
		if matchBase == 15 {
			for {
				if i >= len(payload) {
					return nil, errFactory.WithMessage(ErrTruncated, "truncated match length extension")
				}
				add := payload[i]
				i++
				match += int(add)
				if add != 0xff {
					break
				}
			}
		}

		if dist > len(out) || (dist == 0 && len(out) == 0) {
			return nil, errFactory.WithData(ErrBadBackReference, struct {
				Distance int
				Output   int
			}{dist, len(out)})
		}

		// Byte-at-a-time copy: the distance may be smaller than the match
		// length, which produces repeating runs. A distance of zero repeats
		// the first output byte; real archives depend on this.
		for ; match > 0; match-- {
			if dist == 0 {
				out = append(out, out[0])
			} else {
				out = append(out, out[len(out)-dist])
			}
		}
	}

	if sum := crc32.ChecksumIEEE(out); sum != checksum {
		return nil, errFactory.WithData(ErrChecksumMismatch, struct {
			Want uint32
			Got  uint32
		}{checksum, sum})
	}
	if len(out) != int(uncompressedSize) {
		return nil, errFactory.WithData(ErrSizeMismatch, struct {
			Want uint32
			Got  int
		}{uncompressedSize, len(out)})
	}

	return out, nil
}
