package probe

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var streamDocs = []string{
	`{"a":{"b":1}}`,
	`{"s":"brace } and quote \" inside","n":[1,2,{"x":null}]}`,
	`[1,2,3]`,
	`{"engines":{"Render/3D/0":{"busy":12.5}}}`,
	`"plain string"`,
	`{}`,
	`true`,
	`{"nested":{"deep":{"deeper":{"v":-1.5e3}}}}`,
}

func feedInChunks(t *testing.T, f *Framer, stream string, size int) []string {
	t.Helper()
	var got []string
	for i := 0; i < len(stream); i += size {
		end := i + size
		if end > len(stream) {
			end = len(stream)
		}
		docs, err := f.Feed([]byte(stream[i:end]))
		if err != nil {
			t.Fatalf("Feed(chunk size %d) at %d: %v", size, i, err)
		}
		for _, d := range docs {
			raw, err := json.Marshal(d)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got = append(got, string(raw))
		}
	}
	return got
}

func canonical(t *testing.T, docs []string) []string {
	t.Helper()
	out := make([]string, len(docs))
	for i, d := range docs {
		dec := json.NewDecoder(strings.NewReader(d))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			t.Fatalf("Unmarshal %q: %v", d, err)
		}
		raw, _ := json.Marshal(v)
		out[i] = string(raw)
	}
	return out
}

func TestFramerAnyChunkSize(t *testing.T) {
	stream := strings.Join(streamDocs, "")
	want := canonical(t, streamDocs)

	for _, size := range []int{1, 2, 3, 7, 16, 64, len(stream)} {
		got := feedInChunks(t, NewFramer(""), stream, size)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("chunk size %d mismatch (-want +got):\n%s", size, diff)
		}
	}
}

func TestFramerOneDocumentPerCompletion(t *testing.T) {
	f := NewFramer("")
	doc := `{"a":{"b":1}}`
	for i := 0; i < len(doc)-1; i++ {
		docs, err := f.Feed([]byte{doc[i]})
		if err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		if len(docs) != 0 {
			t.Fatalf("document emitted after proper prefix %q", doc[:i+1])
		}
	}
	docs, err := f.Feed([]byte{doc[len(doc)-1]})
	if err != nil {
		t.Fatalf("Feed last byte: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents after closing byte, want 1", len(docs))
	}
	if f.Buffered() != 0 {
		t.Fatalf("buffer holds %d bytes after emit, want 0", f.Buffered())
	}
}

func TestFramerWhitespaceBetweenDocuments(t *testing.T) {
	stream := "{\"a\":1}\n\n  {\"a\":2}\r\n\t{\"a\":3}\n"
	got := feedInChunks(t, NewFramer(""), stream, 5)
	want := []string{`{"a":1}`, `{"a":2}`, `{"a":3}`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFramerArraySeparators(t *testing.T) {
	stream := "[\n{\"period\":{\"duration\":1000.1}},\n{\"period\":{\"duration\":999.9}}\n]\n"
	got := feedInChunks(t, NewFramer(intelGPUTopSeparators), stream, 3)
	want := []string{`{"period":{"duration":1000.1}}`, `{"period":{"duration":999.9}}`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFramerTrailingNumberWaits(t *testing.T) {
	f := NewFramer("")
	docs, err := f.Feed([]byte("12"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("bare number at end of buffer emitted early: %v", docs)
	}
	docs, err = f.Feed([]byte("3 "))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(docs) != 1 || docs[0] != json.Number("123") {
		t.Fatalf("docs = %v, want [123]", docs)
	}
}

func TestFramerKeepsNumbersExact(t *testing.T) {
	docs, err := NewFramer("").Feed([]byte(`{"big":18446744073709551615}`))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	m := docs[0].(map[string]any)
	if m["big"] != json.Number("18446744073709551615") {
		t.Fatalf("big = %#v, want json.Number", m["big"])
	}
}

func TestFramerMalformed(t *testing.T) {
	f := NewFramer("")
	docs, err := f.Feed([]byte(`{"a":1}{oops}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents before the malformed one, want 1", len(docs))
	}
}
