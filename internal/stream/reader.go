package stream

import (
	"io"
	"strings"
	"unicode/utf8"
)

// LineReader yields complete text lines from an arbitrarily chunked byte
// stream. Bytes are buffered across reads so a multi-byte UTF-8 sequence or
// a line split at a chunk boundary is reassembled before it is surfaced.
// It is not restartable: once Next returns an error it keeps returning it.
type LineReader struct {
	src io.Reader

	raw     []byte   // undecoded bytes (may end mid-rune)
	pending []string // decoded lines not yet handed out
	partial string   // decoded text after the last newline
	tmp     []byte

	err error
}

// NewLineReader wraps a byte source.
func NewLineReader(src io.Reader) *LineReader {
	return &LineReader{
		src: src,
		tmp: make([]byte, 1024),
	}
}

// Next returns the next complete line, blocking on the underlying read as
// needed. At end of stream it flushes a non-empty trailing fragment as the
// last line, then returns io.EOF.
func (r *LineReader) Next() (string, error) {
	for {
		if len(r.pending) > 0 {
			line := r.pending[0]
			r.pending = r.pending[1:]
			return line, nil
		}
		if r.err != nil {
			if r.err == io.EOF && r.partial != "" {
				last := r.partial
				r.partial = ""
				return last, nil
			}
			return "", r.err
		}

		n, err := r.src.Read(r.tmp)
		if n > 0 {
			r.raw = append(r.raw, r.tmp[:n]...)
			r.drain(false)
		}
		if err != nil {
			r.err = err
			r.drain(true)
		}
	}
}

// drain decodes as much of the raw buffer as is valid UTF-8 and splits the
// decoded text on newlines. The trailing bytes of an incomplete rune stay in
// the raw buffer; at end of stream everything is decoded as-is.
func (r *LineReader) drain(final bool) {
	cut := len(r.raw)
	if !final {
		// Hold back a trailing partial rune until its continuation arrives.
		start := len(r.raw)
		for i := 0; i < utf8.UTFMax && start > 0; i++ {
			start--
			if utf8.RuneStart(r.raw[start]) {
				if !utf8.FullRune(r.raw[start:]) {
					cut = start
				}
				break
			}
		}
	}
	if cut == 0 {
		return
	}

	text := r.partial + string(r.raw[:cut])
	r.raw = r.raw[cut:]

	parts := strings.Split(text, "\n")
	r.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		r.pending = append(r.pending, strings.TrimSuffix(line, "\r"))
	}
}
