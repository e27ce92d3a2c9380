package protocol

import (
	"bufio"
	"io"
	"sort"
	"strconv"
)

// Writer emits protocol tokens to a client connection.
//
// Methods chain and record the first write error; the error surfaces from
// Flush or Err. This keeps the long emission sequences of the editor
// commands readable without an error check after every token.
type Writer struct {
	w     *bufio.Writer
	err   error
	depth int
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 32*1024)}
}

// Err returns the first error encountered by any write.
func (w *Writer) Err() error {
	return w.err
}

// Flush writes all buffered tokens to the underlying connection.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// ListBegin opens a list.
func (w *Writer) ListBegin() *Writer {
	w.depth++
	return w.write("( ")
}

// ListEnd closes the innermost open list.
func (w *Writer) ListEnd() *Writer {
	if w.depth == 0 {
		if w.err == nil {
			w.err = NewError(CodeRaSvnMalformedData, "unbalanced list end on write")
		}
		return w
	}
	w.depth--
	return w.write(") ")
}

// Word emits a bare word token.
func (w *Writer) Word(v string) *Writer {
	w.write(v)
	return w.write(" ")
}

// Number emits a number token.
func (w *Writer) Number(n int) *Writer {
	w.write(strconv.Itoa(n))
	return w.write(" ")
}

// String emits a byte-string token.
func (w *Writer) String(s string) *Writer {
	w.write(strconv.Itoa(len(s)))
	w.write(":")
	w.write(s)
	return w.write(" ")
}

// Binary emits a byte-string token from raw bytes.
func (w *Writer) Binary(b []byte) *Writer {
	w.write(strconv.Itoa(len(b)))
	w.write(":")
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
	return w.write(" ")
}

// Bool emits the word true or false.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.Word("true")
	}
	return w.Word("false")
}

// OptString emits a list holding the string when non-nil, or an empty list.
// This is the wire shape of an optional string value.
func (w *Writer) OptString(s *string) *Writer {
	w.ListBegin()
	if s != nil {
		w.String(*s)
	}
	return w.ListEnd()
}

// OptNumber emits a list holding the number when non-nil, or an empty list.
func (w *Writer) OptNumber(n *int) *Writer {
	w.ListBegin()
	if n != nil {
		w.Number(*n)
	}
	return w.ListEnd()
}

// Map emits a property list: ( ( name ( value ) ) ... ). A nil value map
// produces an empty list.
func (w *Writer) Map(props map[string]string) *Writer {
	w.ListBegin()
	for _, name := range sortedKeys(props) {
		value := props[name]
		w.ListBegin().String(name).ListBegin().String(value).ListEnd().ListEnd()
	}
	return w.ListEnd()
}

func (w *Writer) write(s string) *Writer {
	if w.err == nil {
		_, w.err = w.w.WriteString(s)
	}
	return w
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
