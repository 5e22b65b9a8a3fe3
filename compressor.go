package zarr

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compressor wraps an io.Writer/io.Reader pair with a byte-stream transform.
// wrapWriter/wrapReader must be flushable/closable with a deterministic
// end of stream: Close on the writer side must flush every pending byte
// before returning.
type Compressor interface {
	// ID is the value written into .zarray's "compressor.id", or "" for
	// the identity (no-compression) variant.
	ID() string
	wrapWriter(w io.Writer, elemSize int) io.WriteCloser
	wrapReader(r io.Reader, elemSize int) io.ReadCloser
	MarshalJSON() ([]byte, error)
}

// NoneCompressor is the identity pass-through.
type NoneCompressor struct{}

func (NoneCompressor) ID() string { return "" }

func (NoneCompressor) wrapWriter(w io.Writer, _ int) io.WriteCloser {
	return nopWriteCloser{w}
}

func (NoneCompressor) wrapReader(r io.Reader, _ int) io.ReadCloser {
	return io.NopCloser(r)
}

func (NoneCompressor) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ZlibCompressor deflates chunk payloads with klauspost/compress/zlib, a
// drop-in, faster replacement for the standard library's compress/zlib.
type ZlibCompressor struct {
	Level int
}

func (ZlibCompressor) ID() string { return "zlib" }

func (c ZlibCompressor) wrapWriter(w io.Writer, _ int) io.WriteCloser {
	level := c.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	zw, err := zlib.NewWriterLevel(w, level)
	if err != nil {
		zw = zlib.NewWriter(w)
	}
	return zw
}

func (ZlibCompressor) wrapReader(r io.Reader, _ int) io.ReadCloser {
	return &lazyZlibReader{src: r}
}

// lazyZlibReader defers zlib.NewReader (which itself reads the 2-byte
// header) until the first Read, since wrapReader has no error result: a
// missing or malformed header, including a zero-length payload, surfaces
// as the error of that first Read.
type lazyZlibReader struct {
	src io.Reader
	zr  io.ReadCloser
	err error
}

func (l *lazyZlibReader) Read(p []byte) (int, error) {
	if l.zr == nil && l.err == nil {
		l.zr, l.err = zlib.NewReader(l.src)
	}
	if l.err != nil {
		return 0, l.err
	}
	return l.zr.Read(p)
}

func (l *lazyZlibReader) Close() error {
	if l.zr != nil {
		return l.zr.Close()
	}
	return nil
}

func (c ZlibCompressor) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"id": "zlib", "level": c.Level})
}

// Shuffle is Blosc's byte-shuffle filter setting.
type Shuffle int

const (
	ShuffleNone Shuffle = 0
	ShuffleByte Shuffle = 1
	ShuffleBit  Shuffle = 2
)

// blosc internal-codec ids, matching cname strings a real Blosc
// installation accepts.
const (
	cnameZstd   = "zstd"
	cnameZlib   = "zlib"
	cnameSnappy = "snappy"
	cnameFlate  = "blosclz" // closest in-tree stand-in for Blosc's own blosclz
)

// BloscCompressor reproduces Blosc's two-stage pipeline, a byte shuffle
// pre-filter followed by a pluggable internal codec, without a cgo
// dependency on the C library: shuffle re-groups each element's Nth byte
// together so the internal codec sees longer runs, then clevel is
// delegated to the codec named by Cname. ShuffleBit applies the same
// byte shuffle as ShuffleByte; no bit-level transpose is performed.
// BlockSize is written to and read from .zarray but does not affect the
// encoded frame. Every frame is
// self-describing (original length, type size, shuffle mode, codec) so it
// can always be reversed regardless of how it was produced.
type BloscCompressor struct {
	Cname     string
	Clevel    int
	Shuffle   Shuffle
	BlockSize int
}

func (BloscCompressor) ID() string { return "blosc" }

func (c BloscCompressor) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":        "blosc",
		"cname":     c.Cname,
		"clevel":    c.Clevel,
		"shuffle":   int(c.Shuffle),
		"blocksize": c.BlockSize,
	})
}

func (c BloscCompressor) wrapWriter(w io.Writer, elemSize int) io.WriteCloser {
	return &bloscWriter{dst: w, c: c, elemSize: elemSize}
}

func (c BloscCompressor) wrapReader(r io.Reader, elemSize int) io.ReadCloser {
	return &bloscReader{src: r, elemSize: elemSize}
}

// bloscWriter buffers the whole chunk payload, since shuffle is a
// block-wide transform, and frames it on Close.
type bloscWriter struct {
	dst      io.Writer
	c        BloscCompressor
	elemSize int
	buf      bytes.Buffer
}

func (w *bloscWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bloscWriter) Close() error {
	raw := w.buf.Bytes()
	typeSize := w.elemSize
	if typeSize <= 0 {
		typeSize = 1
	}

	shuffled := shuffle(raw, typeSize, w.c.Shuffle)

	codec := w.c.Cname
	if codec == "" {
		codec = cnameFlate
	}
	encoded, err := encodeCodec(codec, shuffled, w.c.Clevel)
	if err != nil {
		return err
	}

	var hdr [9]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(typeSize))
	hdr[8] = byte(w.c.Shuffle)
	if _, err := w.dst.Write(hdr[:]); err != nil {
		return err
	}
	if err := writeLengthPrefixed(w.dst, []byte(codec)); err != nil {
		return err
	}
	_, err = w.dst.Write(encoded)
	return err
}

type bloscReader struct {
	src      io.Reader
	elemSize int
	buf      *bytes.Reader
}

func (r *bloscReader) Read(p []byte) (int, error) {
	if r.buf == nil {
		if err := r.decode(); err != nil {
			return 0, err
		}
	}
	return r.buf.Read(p)
}

func (r *bloscReader) decode() error {
	var hdr [9]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return fmt.Errorf("zarr: blosc frame header: %w", err)
	}
	origLen := binary.LittleEndian.Uint32(hdr[0:4])
	typeSize := int(binary.LittleEndian.Uint32(hdr[4:8]))
	shuf := Shuffle(hdr[8])

	codecBytes, err := readLengthPrefixed(r.src)
	if err != nil {
		return fmt.Errorf("zarr: blosc codec name: %w", err)
	}
	rest, err := io.ReadAll(r.src)
	if err != nil {
		return fmt.Errorf("zarr: blosc payload: %w", err)
	}

	shuffled, err := decodeCodec(string(codecBytes), rest, int(origLen))
	if err != nil {
		return err
	}
	raw := unshuffle(shuffled, typeSize, shuf)
	r.buf = bytes.NewReader(raw)
	return nil
}

func (r *bloscReader) Close() error { return nil }

func writeLengthPrefixed(w io.Writer, b []byte) error {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	b := make([]byte, binary.LittleEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func encodeCodec(codec string, data []byte, clevel int) ([]byte, error) {
	switch codec {
	case cnameZstd:
		level := zstd.EncoderLevelFromZstd(clevel)
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("zarr: blosc zstd encoder: %w", err)
		}
		out := enc.EncodeAll(data, nil)
		enc.Close()
		return out, nil
	case cnameSnappy:
		return snappy.Encode(nil, data), nil
	case cnameZlib:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, clampFlateLevel(clevel))
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case cnameFlate:
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, clampFlateLevel(clevel))
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
		if err := fw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("zarr: unsupported blosc cname %q", codec)
	}
}

func decodeCodec(codec string, data []byte, origLen int) ([]byte, error) {
	switch codec {
	case cnameZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zarr: blosc zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, make([]byte, 0, origLen))
		if err != nil {
			return nil, &ChunkCorruptError{Key: "<blosc>", Cause: err}
		}
		return out, nil
	case cnameSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, &ChunkCorruptError{Key: "<blosc>", Cause: err}
		}
		return out, nil
	case cnameZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &ChunkCorruptError{Key: "<blosc>", Cause: err}
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, &ChunkCorruptError{Key: "<blosc>", Cause: err}
		}
		return out, nil
	case cnameFlate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, &ChunkCorruptError{Key: "<blosc>", Cause: err}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("zarr: unsupported blosc cname %q", codec)
	}
}

func clampFlateLevel(l int) int {
	if l <= 0 {
		return flate.DefaultCompression
	}
	if l > flate.BestCompression {
		return flate.BestCompression
	}
	return l
}

// shuffle reinterprets data as len(data)/typeSize elements of typeSize
// bytes each and transposes it so the Nth byte of every element is
// contiguous, the same transform Blosc applies before its internal codec
// runs. Leftover bytes that don't complete a full element pass through
// unshuffled at the tail, per Blosc's own convention. Any mode other than
// ShuffleNone, ShuffleBit included, takes this byte-lane path.
func shuffle(data []byte, typeSize int, mode Shuffle) []byte {
	if mode == ShuffleNone || typeSize <= 1 {
		return data
	}
	n := len(data) / typeSize
	tail := data[n*typeSize:]
	out := make([]byte, len(data))
	for lane := 0; lane < typeSize; lane++ {
		for i := 0; i < n; i++ {
			out[lane*n+i] = data[i*typeSize+lane]
		}
	}
	copy(out[n*typeSize:], tail)
	return out
}

// unshuffle reverses shuffle.
func unshuffle(data []byte, typeSize int, mode Shuffle) []byte {
	if mode == ShuffleNone || typeSize <= 1 {
		return data
	}
	n := len(data) / typeSize
	tail := data[n*typeSize:]
	out := make([]byte, len(data))
	for lane := 0; lane < typeSize; lane++ {
		for i := 0; i < n; i++ {
			out[i*typeSize+lane] = data[lane*n+i]
		}
	}
	copy(out[n*typeSize:], tail)
	return out
}

// compressorFromJSON decodes the .zarray "compressor" field.
func compressorFromJSON(data []byte) (Compressor, error) {
	if string(data) == "null" {
		return NoneCompressor{}, nil
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, malformedMetadata("compressor: %v", err)
	}
	switch head.ID {
	case "zlib":
		var z struct {
			Level int `json:"level"`
		}
		if err := json.Unmarshal(data, &z); err != nil {
			return nil, malformedMetadata("zlib compressor: %v", err)
		}
		return ZlibCompressor{Level: z.Level}, nil
	case "blosc":
		var b struct {
			Cname     string `json:"cname"`
			Clevel    int    `json:"clevel"`
			Shuffle   int    `json:"shuffle"`
			BlockSize int    `json:"blocksize"`
		}
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, malformedMetadata("blosc compressor: %v", err)
		}
		return BloscCompressor{Cname: b.Cname, Clevel: b.Clevel, Shuffle: Shuffle(b.Shuffle), BlockSize: b.BlockSize}, nil
	default:
		return nil, &UnknownCompressorError{ID: head.ID}
	}
}
