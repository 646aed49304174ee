package probe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tinytelemetry/gauge/internal/model"
)

// ErrMalformed is returned when the buffered output can never become valid
// JSON, no matter how many more bytes arrive.
var ErrMalformed = errors.New("probe: malformed document")

const whitespace = " \t\r\n"

// Framer reassembles JSON documents from an unframed byte stream. Bytes are
// accumulated until they decode as a complete value; every proper prefix of a
// JSON object or array is invalid, so a successful decode marks exactly one
// document boundary.
type Framer struct {
	buf  []byte
	skip string
}

// NewFramer returns a Framer that also skips any byte in separators between
// documents, in addition to JSON whitespace.
func NewFramer(separators string) *Framer {
	return &Framer{skip: whitespace + separators}
}

// Feed appends chunk and returns every document completed by it, in stream
// order. An incomplete trailing document stays buffered for the next call.
func (f *Framer) Feed(chunk []byte) ([]model.Document, error) {
	f.buf = append(f.buf, chunk...)

	var docs []model.Document
	for {
		f.trimSeparators()
		if len(f.buf) == 0 {
			return docs, nil
		}

		doc, n, err := decodeOne(f.buf)
		if err != nil {
			if errors.Is(err, errNeedMore) {
				return docs, nil
			}
			return docs, err
		}
		docs = append(docs, doc)
		f.consume(n)
	}
}

// Buffered returns the number of bytes held for an incomplete document.
func (f *Framer) Buffered() int { return len(f.buf) }

func (f *Framer) trimSeparators() {
	i := 0
	for i < len(f.buf) && strings.IndexByte(f.skip, f.buf[i]) >= 0 {
		i++
	}
	if i > 0 {
		f.consume(i)
	}
}

func (f *Framer) consume(n int) {
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}

var errNeedMore = errors.New("need more bytes")

// decodeOne decodes the first JSON value in buf and returns how many bytes it
// used.
func decodeOne(buf []byte) (model.Document, int, error) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, errNeedMore
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) && syntaxErr.Offset >= int64(len(buf)) {
			return nil, 0, errNeedMore
		}
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	n := int(dec.InputOffset())
	// A bare number that runs to the end of the buffer may continue in the
	// next chunk.
	if _, isNumber := doc.(json.Number); isNumber && n == len(buf) {
		return nil, 0, errNeedMore
	}
	return doc, n, nil
}
