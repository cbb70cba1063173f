package fetch

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
)

// capExceeded is returned by boundedReader once decoded bytes cross cap.
// the fetcher maps it to errs.CodeConstraintViolation.
type capExceeded struct{ cap int64 }

func (e *capExceeded) Error() string {
	return fmt.Sprintf("decoded body exceeds cap of %d bytes", e.cap)
}

// ratioExceeded is returned when a 64 KiB compressed window would expand
// far past what any legitimate payload should (spec.md §4.4 decompression
// bomb defense).
type ratioExceeded struct{ ratio int64 }

func (e *ratioExceeded) Error() string {
	return fmt.Sprintf("compression ratio %dx exceeds safety threshold", e.ratio)
}

// compressionWindow is the compressed-byte window over which the expansion
// ratio is sanity-checked (spec.md §4.4 "a per-chunk expansion-ratio sanity
// check (e.g. fail if any 64 KiB compressed window would expand past the
// cap)"). The window resets every compressionWindow compressed bytes so a
// single early spike can't be diluted by an otherwise-ordinary long stream.
const compressionWindow = 64 * 1024

// maxExpansionRatio bounds decoded:compressed bytes within the current
// window. Real compressible HTTP payloads rarely clear a few dozen to one;
// DEFLATE's degenerate worst case (long runs of one byte value) reaches
// roughly 1032:1, so the bound has to sit well below that to actually catch
// it.
const maxExpansionRatio = 300

// countingReader tracks how many bytes have been read from src, so a
// decompressor sitting on top of it can be compared against the raw wire
// bytes it consumed.
type countingReader struct {
	src   io.Reader
	count int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	c.count += int64(n)
	return n, err
}

// boundedReader enforces the response cap incrementally on a (possibly
// decompressed) stream, and — when wrapping a decompressor — the
// decompression-bomb ratio guard over compressionWindow-sized input windows.
type boundedReader struct {
	decoded    io.Reader
	compressed *countingReader // nil when the body is not compressed
	cap        int64

	decodedTotal         int64
	decodedAtWindowStart int64
	windowCompressedBase int64
}

// newBoundedReader wraps body (the raw, possibly-compressed network stream)
// according to contentEncoding, enforcing cap on the decoded byte count.
func newBoundedReader(body io.Reader, contentEncoding string, cap int64) (*boundedReader, error) {
	switch contentEncoding {
	case "", "identity":
		return &boundedReader{decoded: body, cap: cap}, nil
	case "gzip":
		counting := &countingReader{src: body}
		gz, err := gzip.NewReader(counting)
		if err != nil {
			return nil, fmt.Errorf("gzip init: %w", err)
		}
		return &boundedReader{decoded: gz, compressed: counting, cap: cap}, nil
	case "deflate":
		counting := &countingReader{src: body}
		return &boundedReader{decoded: flate.NewReader(counting), compressed: counting, cap: cap}, nil
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", contentEncoding)
	}
}

func (b *boundedReader) Read(p []byte) (int, error) {
	// Cap the read size so a single Read call cannot itself decode far
	// past the cap before we get a chance to check.
	const chunk = 32 * 1024
	if int64(len(p)) > chunk {
		p = p[:chunk]
	}

	n, err := b.decoded.Read(p)
	b.decodedTotal += int64(n)

	if b.decodedTotal > b.cap {
		return n, &capExceeded{cap: b.cap}
	}

	if b.compressed != nil {
		windowCompressed := b.compressed.count - b.windowCompressedBase
		windowDecoded := b.decodedTotal - b.decodedAtWindowStart

		// Checked on every Read, not gated behind the window filling up:
		// a bomb's compressed size can be tiny enough that the window
		// never closes, so waiting for compressionWindow bytes to arrive
		// would never trigger the guard at all.
		if windowCompressed > 0 && windowDecoded/windowCompressed > maxExpansionRatio {
			return n, &ratioExceeded{ratio: windowDecoded / windowCompressed}
		}

		if windowCompressed >= compressionWindow {
			b.windowCompressedBase = b.compressed.count
			b.decodedAtWindowStart = b.decodedTotal
		}
	}

	return n, err
}

// readAllCapped drains r (already cap-and-ratio-enforcing) into memory,
// returning exactly what was read even on cap failure so callers can report
// how much was buffered before the abort, though it is always discarded.
func readAllCapped(r io.Reader, cap int64) ([]byte, error) {
	buf := make([]byte, 0, min64(cap, 64*1024))
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return buf, err
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
