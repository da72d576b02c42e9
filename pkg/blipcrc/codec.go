// Package blipcrc implements the BLIP per-direction Codec: a streaming
// deflate compressor/decompressor paired with a running CRC32 checksum that
// is never reset at frame boundaries (spec §4.1, §9).
//
// The sync-flush trim/restore dance mirrors how gorilla/websocket's
// permessage-deflate extension handles per-message flate flushing (strip the
// trailing 00 00 FF FF sentinel on send, re-append it on receive); the
// deflate engine itself is klauspost/compress/flate rather than
// compress/flate, grounded on atframe-utils-go's direct dependency on that
// module, per the "prefer the pack's ecosystem choice over stdlib" rule.
package blipcrc

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

// Mode selects how a single Write call interacts with the compressor.
type Mode int

const (
	// Raw copies src to dst verbatim; the CRC still advances over src.
	// Used for messages that did not set the Compressed flag.
	Raw Mode = iota
	// SyncFlush pushes src through the deflate engine and flushes it to a
	// byte boundary, producing a trailing 00 00 FF FF sentinel. Write strips
	// that sentinel from what it appends to dst; RecvCodec.Read re-appends
	// it before decoding.
	SyncFlush
)

// syncFlushSentinel is the 4-byte trailer klauspost/compress/flate (and
// stdlib compress/flate) appends on Flush().
var syncFlushSentinel = [4]byte{0x00, 0x00, 0xff, 0xff}

// ErrChecksumMismatch is returned by ReadChecksum when the supplied tail
// does not match the running CRC.
var ErrChecksumMismatch = errors.New("blipcrc: checksum mismatch")

// SendCodec is the per-direction compressor + running CRC used when writing
// outgoing frames. One instance lives for the entire connection lifetime of
// its direction (spec §4.1: "CRC spans the entire connection direction").
type SendCodec struct {
	crc  uint32
	sink bytes.Buffer
	zw   *flate.Writer
}

// NewSendCodec creates a SendCodec using the default compression level.
func NewSendCodec() *SendCodec {
	c := &SendCodec{}
	zw, err := flate.NewWriter(&c.sink, flate.DefaultCompression)
	if err != nil {
		// flate.NewWriter only errors on an invalid level constant; our
		// constant is always valid, so this path is unreachable.
		panic(fmt.Sprintf("blipcrc: flate.NewWriter: %v", err))
	}
	c.zw = zw
	return c
}

// Write consumes src and appends to dst per mode, advancing the running CRC
// over src (the uncompressed bytes) regardless of mode.
func (c *SendCodec) Write(src []byte, dst *bytes.Buffer, mode Mode) error {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, src)

	if mode == Raw {
		dst.Write(src)
		return nil
	}

	c.sink.Reset()
	if len(src) > 0 {
		if _, err := c.zw.Write(src); err != nil {
			return fmt.Errorf("blipcrc: deflate write: %w", err)
		}
	}
	if err := c.zw.Flush(); err != nil {
		return fmt.Errorf("blipcrc: deflate flush: %w", err)
	}

	out := c.sink.Bytes()
	if len(out) == 0 {
		return nil
	}
	if bytes.HasSuffix(out, syncFlushSentinel[:]) {
		out = out[:len(out)-len(syncFlushSentinel)]
	}
	dst.Write(out)
	c.sink.Reset()
	return nil
}

// WriteChecksum appends the big-endian CRC32 of every byte processed so far
// across the lifetime of this codec. It does not reset the running CRC.
func (c *SendCodec) WriteChecksum(dst *bytes.Buffer) {
	dst.WriteByte(byte(c.crc >> 24))
	dst.WriteByte(byte(c.crc >> 16))
	dst.WriteByte(byte(c.crc >> 8))
	dst.WriteByte(byte(c.crc))
}

// UnflushedBytes reports how many bytes of compressor output the codec
// still holds without having handed them to dst; it is zero immediately
// after a SyncFlush write.
func (c *SendCodec) UnflushedBytes() int {
	return c.sink.Len()
}

// RecvCodec is the per-direction decompressor + running CRC used when
// assembling incoming frames.
type RecvCodec struct {
	crc  uint32
	zr   io.ReadCloser
	src  *bytes.Reader
	hist []byte // last 32 KiB of inflated output, the back-reference window
}

// NewRecvCodec creates a RecvCodec.
func NewRecvCodec() *RecvCodec {
	c := &RecvCodec{src: bytes.NewReader(nil)}
	c.zr = flate.NewReader(c.src)
	return c
}

// Read decompresses (or copies, if compressed is false) src into dst,
// advancing the running CRC over the bytes produced (the uncompressed
// stream). When compressed is true, src is assumed to be a sync-flush
// trimmed chunk; the 00 00 FF FF sentinel is re-appended before inflation.
func (c *RecvCodec) Read(src []byte, dst *bytes.Buffer, compressed bool) error {
	if !compressed {
		dst.Write(src)
		c.crc = crc32.Update(c.crc, crc32.IEEETable, src)
		return nil
	}

	restored := make([]byte, 0, len(src)+len(syncFlushSentinel))
	restored = append(restored, src...)
	restored = append(restored, syncFlushSentinel[:]...)
	c.src.Reset(restored)
	// Each chunk ends at a sync-flush boundary, where the inflater reports
	// io.ErrUnexpectedEOF and keeps that error; restart it on every chunk,
	// seeded with the window of earlier output.
	if err := c.zr.(flate.Resetter).Reset(c.src, c.hist); err != nil {
		return fmt.Errorf("blipcrc: inflate reset: %w", err)
	}

	before := dst.Len()
	if _, err := io.Copy(dst, c.zr); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("blipcrc: inflate: %w", err)
	}
	produced := dst.Bytes()[before:]
	c.crc = crc32.Update(c.crc, crc32.IEEETable, produced)
	c.hist = append(c.hist, produced...)
	if len(c.hist) > 32<<10 {
		c.hist = c.hist[len(c.hist)-32<<10:]
	}
	return nil
}

// ReadChecksum verifies tail against the running CRC.
func (c *RecvCodec) ReadChecksum(tail [4]byte) error {
	want := uint32(tail[0])<<24 | uint32(tail[1])<<16 | uint32(tail[2])<<8 | uint32(tail[3])
	if want != c.crc {
		return ErrChecksumMismatch
	}
	return nil
}
