// Package csvstream turns an uploaded byte stream into a lazy sequence of CSV
// rows with constant memory use.
//
// Uploads are wrapped before parsing:
//
//   - BOM skipping: Excel and other Windows tools prefix UTF-8 files with
//     0xEF 0xBB 0xBF, which would otherwise end up in the first header name.
//   - UTF-8 sanitizing: invalid bytes become '?' so a single bad cell does
//     not abort the import.
//   - Byte counting: progress for logs and metrics.
//
// Use Wrap to apply all three in the right order.
package csvstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomSkipper drops a leading UTF-8 byte order mark.
type bomSkipper struct {
	br      *bufio.Reader
	checked bool
}

// SkipBOM returns a reader that yields r without a leading UTF-8 BOM.
func SkipBOM(r io.Reader) io.Reader {
	return &bomSkipper{br: bufio.NewReader(r)}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.br.Peek(len(utf8BOM))
		if bytes.Equal(head, utf8BOM) {
			_, _ = b.br.Discard(len(utf8BOM))
		} else if err != nil && !errors.Is(err, io.EOF) && len(head) == 0 {
			return 0, err
		}
	}
	return b.br.Read(p)
}

// sanitizer replaces invalid UTF-8 bytes with '?'. Replacement is one byte for
// one byte, so valid text passes through unchanged and offsets stay stable.
type sanitizer struct {
	br *bufio.Reader
}

// Sanitize returns a reader that yields r with invalid UTF-8 bytes replaced.
func Sanitize(r io.Reader) io.Reader {
	return &sanitizer{br: bufio.NewReader(r)}
}

func (s *sanitizer) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		// Only block on the source when nothing has been produced yet.
		if n > 0 && s.br.Buffered() == 0 {
			break
		}
		r, size, err := s.br.ReadRune()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if r == utf8.RuneError && size == 1 {
			p[n] = '?'
			n++
			continue
		}
		if size > len(p)-n {
			if n == 0 {
				// p cannot hold a single rune.
				p[0] = '?'
				return 1, nil
			}
			_ = s.br.UnreadRune()
			break
		}
		n += utf8.EncodeRune(p[n:], r)
	}
	return n, nil
}

// CountingReader tracks bytes read for progress reporting. BytesRead is safe
// to call from other goroutines.
type CountingReader struct {
	r     io.Reader
	read  atomic.Int64
	total int64
}

// NewCountingReader wraps r. total is the expected size, 0 if unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read.Add(int64(n))
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (c *CountingReader) BytesRead() int64 {
	return c.read.Load()
}

// Progress returns the percentage read (0-100), or 0 if the total is unknown.
func (c *CountingReader) Progress() int {
	if c.total <= 0 {
		return 0
	}
	pct := int(c.read.Load() * 100 / c.total)
	if pct > 100 {
		return 100
	}
	return pct
}

// Wrap applies BOM skipping, UTF-8 sanitizing and byte counting.
//
// The counter sits on the raw stream so BytesRead matches the upload size.
func Wrap(r io.Reader, totalSize int64) (io.Reader, *CountingReader) {
	counter := NewCountingReader(r, totalSize)
	return Sanitize(SkipBOM(counter)), counter
}
