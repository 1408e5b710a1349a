package tiffio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// TIFF field types
const (
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeLong8    = 16
)

// TIFF tags
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagSamplesPerPixel  = 277
	tagXResolution      = 282
	tagYResolution      = 283
	tagPlanarConfig     = 284
	tagResolutionUnit   = 296
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
)

const (
	photometricRGB  = 2
	planarChunky    = 1
	resolutionPerCM = 3
)

// entry is one IFD field. Rationals hold numerator, denominator pairs.
type entry struct {
	tag    uint16
	typ    uint16
	values []uint64
	ascii  []byte
}

func (e entry) count() uint64 {
	switch e.typ {
	case typeASCII:
		return uint64(len(e.ascii))
	case typeRational:
		return uint64(len(e.values) / 2)
	default:
		return uint64(len(e.values))
	}
}

func typeSize(typ uint16) uint64 {
	switch typ {
	case typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	default:
		return 8
	}
}

// entries lists the IFD fields in ascending tag order
func (w *Writer) entries() []entry {
	es := []entry{
		{tag: tagImageWidth, typ: typeLong, values: []uint64{uint64(w.width)}},
		{tag: tagImageLength, typ: typeLong, values: []uint64{uint64(w.height)}},
		{tag: tagBitsPerSample, typ: typeShort, values: []uint64{8, 8, 8}},
		{tag: tagCompression, typ: typeShort, values: []uint64{uint64(w.opts.Compression)}},
		{tag: tagPhotometric, typ: typeShort, values: []uint64{photometricRGB}},
	}
	if w.opts.Description != "" {
		es = append(es, entry{tag: tagImageDescription, typ: typeASCII, ascii: append([]byte(w.opts.Description), 0)})
	}
	es = append(es, entry{tag: tagSamplesPerPixel, typ: typeShort, values: []uint64{3}})

	if w.opts.MicronsPerPixel > 0 {
		num, den := rational(10000 / w.opts.MicronsPerPixel)
		es = append(es,
			entry{tag: tagXResolution, typ: typeRational, values: []uint64{num, den}},
			entry{tag: tagYResolution, typ: typeRational, values: []uint64{num, den}},
		)
	}
	es = append(es, entry{tag: tagPlanarConfig, typ: typeShort, values: []uint64{planarChunky}})
	if w.opts.MicronsPerPixel > 0 {
		es = append(es, entry{tag: tagResolutionUnit, typ: typeShort, values: []uint64{resolutionPerCM}})
	}

	ts := uint64(w.opts.TileSize)
	es = append(es,
		entry{tag: tagTileWidth, typ: typeLong, values: []uint64{ts}},
		entry{tag: tagTileLength, typ: typeLong, values: []uint64{ts}},
		entry{tag: tagTileOffsets, typ: typeLong, values: w.tileOffsets},
		entry{tag: tagTileByteCounts, typ: typeLong, values: w.tileCounts},
	)
	return es
}

// rational approximates v with a thousandths denominator
func rational(v float64) (num, den uint64) {
	num = uint64(math.Round(v * 1000))
	if num > math.MaxUint32 {
		return uint64(math.Min(math.Round(v), math.MaxUint32)), 1
	}
	return num, 1000
}

// promote switches tile offset and byte count fields to LONG8 for BigTIFF
func promote(e entry, big bool) entry {
	if big && (e.tag == tagTileOffsets || e.tag == tagTileByteCounts) {
		e.typ = typeLong8
	}
	return e
}

// layout returns the entry size, the largest inline value and the size of
// an IFD with n entries before its out-of-line values
func layout(n int, big bool) (entrySize, inline, fixed uint64) {
	if big {
		return 20, 8, 8 + 20*uint64(n) + 8
	}
	return 12, 4, 2 + 12*uint64(n) + 4
}

// ifdSize is the byte size of the IFD including out-of-line values
func ifdSize(entries []entry, big bool) uint64 {
	_, inline, size := layout(len(entries), big)
	for _, e := range entries {
		e = promote(e, big)
		if n := e.count() * typeSize(e.typ); n > inline {
			size += n + n%2
		}
	}
	return size
}

// encodeIFD serializes entries for an IFD starting at base
func encodeIFD(entries []entry, base uint64, big bool) []byte {
	le := binary.LittleEndian
	entrySize, inline, fixed := layout(len(entries), big)

	var head, tail bytes.Buffer
	if big {
		binary.Write(&head, le, uint64(len(entries)))
	} else {
		binary.Write(&head, le, uint16(len(entries)))
	}

	for _, e := range entries {
		e = promote(e, big)
		data := valueBytes(e)

		field := make([]byte, entrySize)
		le.PutUint16(field[0:], e.tag)
		le.PutUint16(field[2:], e.typ)
		valueAt := 8
		if big {
			le.PutUint64(field[4:], e.count())
			valueAt = 12
		} else {
			le.PutUint32(field[4:], uint32(e.count()))
		}

		if uint64(len(data)) <= inline {
			copy(field[valueAt:], data)
		} else {
			offset := base + fixed + uint64(tail.Len())
			if big {
				le.PutUint64(field[valueAt:], offset)
			} else {
				le.PutUint32(field[valueAt:], uint32(offset))
			}
			tail.Write(data)
			if len(data)%2 == 1 {
				tail.WriteByte(0)
			}
		}
		head.Write(field)
	}

	// no further IFDs
	if big {
		binary.Write(&head, le, uint64(0))
	} else {
		binary.Write(&head, le, uint32(0))
	}
	head.Write(tail.Bytes())
	return head.Bytes()
}

// valueBytes encodes the values of e in little-endian order
func valueBytes(e entry) []byte {
	if e.typ == typeASCII {
		return e.ascii
	}
	le := binary.LittleEndian
	size := typeSize(e.typ)
	if e.typ == typeRational {
		size = 4
	}
	data := make([]byte, uint64(len(e.values))*size)
	for i, v := range e.values {
		switch size {
		case 2:
			le.PutUint16(data[uint64(i)*2:], uint16(v))
		case 4:
			le.PutUint32(data[uint64(i)*4:], uint32(v))
		default:
			le.PutUint64(data[uint64(i)*8:], v)
		}
	}
	return data
}
