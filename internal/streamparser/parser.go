// Package streamparser incrementally extracts complete JSON objects from an
// arbitrary byte stream (SPEC_FULL.md §4.A). It is the component that sits
// between the agent subprocess's stdout and the bus: WrapperRuntime feeds it
// raw chunks and receives decoded objects as soon as each is complete.
package streamparser

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// Parser holds the cross-Feed state needed to resume brace counting across
// chunk boundaries, including inside a string literal or right after an
// escape character.
type Parser struct {
	logger *slog.Logger

	buf   []byte
	depth int

	inObject   bool // true once we've seen the opening '{' of the current candidate
	scanPos    int  // index into buf already scanned for the current candidate
	inString   bool
	escapeNext bool

	onObject func(raw []byte)
}

// New creates a Parser. onObject is invoked synchronously from Feed for each
// decoded JSON object, in the order they complete.
func New(logger *slog.Logger, onObject func(raw []byte)) *Parser {
	return &Parser{logger: logger, onObject: onObject}
}

// Feed appends chunk to the internal buffer and emits every JSON object that
// becomes complete as a result, in order. Arbitrary prefix bytes before the
// first '{' are skipped; a malformed slice (one that fails json.Unmarshal
// once its braces balance) is dropped with a warning and scanning resumes
// after it.
func (p *Parser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)

	for {
		if !p.inObject {
			idx := bytes.IndexByte(p.buf, '{')
			if idx < 0 {
				// No candidate start in the buffer; keep only enough to be safe
				// (nothing, since there's no structural meaning to leading noise).
				p.buf = nil
				return
			}
			// Discard the noise prefix; the object starts at idx.
			p.buf = p.buf[idx:]
			p.inObject = true
			p.depth = 0
			p.scanPos = 0
			p.inString = false
			p.escapeNext = false
		}

		end, ok := p.scanToClose()
		if !ok {
			// Object not yet complete; wait for more input.
			return
		}

		candidate := p.buf[:end]
		p.buf = p.buf[end:]
		p.inObject = false

		p.emit(candidate)
	}
}

// scanToClose resumes from p.scanPos (everything before it was already
// classified on a prior call) and counts braces outside of string literals
// and escapes. It returns the exclusive end index of the first complete
// object (the index right after its matching '}'), or ok=false if the
// buffer runs out before depth returns to zero, leaving p.scanPos at
// len(p.buf) so the next Feed doesn't re-walk these bytes.
func (p *Parser) scanToClose() (int, bool) {
	for ; p.scanPos < len(p.buf); p.scanPos++ {
		c := p.buf[p.scanPos]

		if p.inString {
			switch {
			case p.escapeNext:
				p.escapeNext = false
			case c == '\\':
				p.escapeNext = true
			case c == '"':
				p.inString = false
			}
			continue
		}

		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
			if p.depth == 0 {
				end := p.scanPos + 1
				p.scanPos = 0
				return end, true
			}
		}
	}
	return 0, false
}

func (p *Parser) emit(candidate []byte) {
	var v json.RawMessage
	if err := json.Unmarshal(candidate, &v); err != nil {
		if p.logger != nil {
			p.logger.Warn("streamparser: dropping malformed object",
				slog.String("error", err.Error()),
				slog.Int("length", len(candidate)),
			)
		}
		return
	}
	if p.onObject != nil {
		p.onObject(candidate)
	}
}

// Reset discards all buffered and in-progress state.
func (p *Parser) Reset() {
	p.buf = nil
	p.depth = 0
	p.scanPos = 0
	p.inObject = false
	p.inString = false
	p.escapeNext = false
}
