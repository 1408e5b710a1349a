// Package tiffio writes large RGB images as tiled, compressed TIFF files
// without holding the whole image in memory.
//
// Rows are streamed in with WriteRows; every time a full band of tile rows
// is buffered it is cut into tiles, compressed and appended to the file.
// The IFD goes at the end of the file and the header is patched on Close,
// which also decides between classic TIFF and BigTIFF.
package tiffio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// Compression is the TIFF compression tag value
type Compression uint16

const (
	CompressionNone    Compression = 1
	CompressionDeflate Compression = 8
	CompressionZSTD    Compression = 50000
)

// ParseCompression maps a configuration name to a Compression
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return CompressionNone, nil
	case "deflate", "zip":
		return CompressionDeflate, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown TIFF compression %q", name)
	}
}

// Options controls the layout of the written file
type Options struct {
	// TileSize is the edge of the square TIFF tiles; a multiple of 16
	TileSize int

	Compression Compression

	// Description is stored in the ImageDescription tag when not empty
	Description string

	// MicronsPerPixel writes X/YResolution in pixels per centimeter when > 0
	MicronsPerPixel float64

	// BigTIFF forces the 64-bit container
	BigTIFF bool

	// Workers bounds concurrent tile compression; 0 means runtime.NumCPU
	Workers int
}

// DefaultOptions returns 256 pixel deflate tiles
func DefaultOptions() Options {
	return Options{TileSize: 256, Compression: CompressionDeflate}
}

// Writer streams an RGB image into a tiled TIFF file
type Writer struct {
	file   *os.File
	out    *bufio.Writer
	offset uint64

	width, height int
	opts          Options
	across, down  int

	// band holds up to TileSize rows of packed RGB
	band     []byte
	bandRows int
	rowsIn   int

	tileOffsets []uint64
	tileCounts  []uint64

	zstdEnc *zstd.Encoder
	closed  bool
}

// headerSize is reserved at the start of the file; large enough for BigTIFF
const headerSize = 16

// Create opens path for writing a width x height image
func Create(path string, width, height int, opts Options) (*Writer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if opts.TileSize <= 0 || opts.TileSize%16 != 0 {
		return nil, fmt.Errorf("tile size must be a positive multiple of 16, got %d", opts.TileSize)
	}
	switch opts.Compression {
	case CompressionNone, CompressionDeflate, CompressionZSTD:
	default:
		return nil, fmt.Errorf("unsupported compression %d", opts.Compression)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := &Writer{
		file:   file,
		out:    bufio.NewWriterSize(file, 1<<20),
		width:  width,
		height: height,
		opts:   opts,
		across: (width + opts.TileSize - 1) / opts.TileSize,
		down:   (height + opts.TileSize - 1) / opts.TileSize,
	}
	w.band = make([]byte, opts.TileSize*width*3)

	if opts.Compression == CompressionZSTD {
		w.zstdEnc, err = zstd.NewWriter(nil)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	// header is patched on Close
	if _, err := w.out.Write(make([]byte, headerSize)); err != nil {
		w.abort()
		return nil, err
	}
	w.offset = headerSize
	return w, nil
}

// Bounds returns the full image rectangle
func (w *Writer) Bounds() image.Rectangle {
	return image.Rect(0, 0, w.width, w.height)
}

// RowsWritten returns the number of image rows received so far
func (w *Writer) RowsWritten() int {
	return w.rowsIn
}

// WriteRows appends the rows of img below the rows already written.
// img must be exactly as wide as the output image.
func (w *Writer) WriteRows(img image.Image) error {
	if w.closed {
		return fmt.Errorf("write to closed TIFF writer")
	}
	b := img.Bounds()
	if b.Dx() != w.width {
		return fmt.Errorf("row band is %d pixels wide, image is %d", b.Dx(), w.width)
	}
	if w.rowsIn+b.Dy() > w.height {
		return fmt.Errorf("row band of %d rows overflows image height %d (%d written)", b.Dy(), w.height, w.rowsIn)
	}

	stride := w.width * 3
	for y := b.Min.Y; y < b.Max.Y; y++ {
		packRow(w.band[w.bandRows*stride:(w.bandRows+1)*stride], img, b.Min.X, y)
		w.bandRows++
		w.rowsIn++
		if w.bandRows == w.opts.TileSize {
			if err := w.flushBand(); err != nil {
				return err
			}
		}
	}
	return nil
}

// packRow copies one row of img into dst as packed RGB
func packRow(dst []byte, img image.Image, x0, y int) {
	switch src := img.(type) {
	case *image.NRGBA:
		row := src.Pix[src.PixOffset(x0, y):]
		for i, j := 0, 0; i < len(dst); i, j = i+3, j+4 {
			dst[i], dst[i+1], dst[i+2] = row[j], row[j+1], row[j+2]
		}
	case *image.RGBA:
		row := src.Pix[src.PixOffset(x0, y):]
		for i, j := 0, 0; i < len(dst); i, j = i+3, j+4 {
			dst[i], dst[i+1], dst[i+2] = row[j], row[j+1], row[j+2]
		}
	default:
		for i, x := 0, x0; i < len(dst); i, x = i+3, x+1 {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst[i], dst[i+1], dst[i+2] = c.R, c.G, c.B
		}
	}
}

// flushBand cuts the buffered rows into one row of tiles and writes them
func (w *Writer) flushBand() error {
	if w.bandRows == 0 {
		return nil
	}
	ts := w.opts.TileSize
	stride := w.width * 3

	// rows past the image edge are zero padding
	clear(w.band[w.bandRows*stride:])

	encoded := make([][]byte, w.across)
	g := errgroup.Group{}
	g.SetLimit(w.opts.Workers)
	for tx := 0; tx < w.across; tx++ {
		tx := tx
		g.Go(func() error {
			raw := make([]byte, ts*ts*3)
			x0 := tx * ts
			n := min(ts, w.width-x0) * 3
			for y := 0; y < ts; y++ {
				copy(raw[y*ts*3:y*ts*3+n], w.band[y*stride+x0*3:y*stride+x0*3+n])
			}
			data, err := w.compress(raw)
			if err != nil {
				return fmt.Errorf("failed to compress tile %d: %w", len(w.tileOffsets)+tx, err)
			}
			encoded[tx] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, data := range encoded {
		if _, err := w.out.Write(data); err != nil {
			return fmt.Errorf("failed to write tile: %w", err)
		}
		w.tileOffsets = append(w.tileOffsets, w.offset)
		w.tileCounts = append(w.tileCounts, uint64(len(data)))
		w.offset += uint64(len(data))
	}
	w.bandRows = 0
	return nil
}

func (w *Writer) compress(raw []byte) ([]byte, error) {
	switch w.opts.Compression {
	case CompressionDeflate:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZSTD:
		return w.zstdEnc.EncodeAll(raw, nil), nil
	default:
		return raw, nil
	}
}

// Close flushes the last band, writes the IFD and patches the header.
// It fails if fewer rows than the image height were written.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if w.rowsIn != w.height {
		w.abort()
		return fmt.Errorf("only %d of %d rows written", w.rowsIn, w.height)
	}
	if err := w.flushBand(); err != nil {
		w.abort()
		return err
	}
	w.closed = true
	if w.zstdEnc != nil {
		w.zstdEnc.Close()
	}

	// word alignment for the IFD
	if w.offset%2 == 1 {
		if err := w.out.WriteByte(0); err != nil {
			w.file.Close()
			return err
		}
		w.offset++
	}

	entries := w.entries()
	big := w.opts.BigTIFF || w.offset+ifdSize(entries, false) > math.MaxUint32
	ifdOffset := w.offset
	if _, err := w.out.Write(encodeIFD(entries, ifdOffset, big)); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to write IFD: %w", err)
	}
	if err := w.out.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush TIFF data: %w", err)
	}

	if _, err := w.file.WriteAt(encodeHeader(ifdOffset, big), 0); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to write TIFF header: %w", err)
	}
	return w.file.Close()
}

// abort closes the file without finishing it
func (w *Writer) abort() {
	w.closed = true
	if w.zstdEnc != nil {
		w.zstdEnc.Close()
	}
	w.file.Close()
}

func encodeHeader(ifdOffset uint64, big bool) []byte {
	le := binary.LittleEndian
	header := make([]byte, headerSize)
	copy(header, "II")
	if big {
		le.PutUint16(header[2:], 43)
		le.PutUint16(header[4:], 8)
		le.PutUint64(header[8:], ifdOffset)
	} else {
		le.PutUint16(header[2:], 42)
		le.PutUint32(header[4:], uint32(ifdOffset))
	}
	return header
}
