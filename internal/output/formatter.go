package output

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"probescan/internal/fieldset"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Formatter encodes records onto an underlying stream.
type Formatter interface {
	Write(fs *fieldset.FieldSet) error
	Flush() error
}

// writeRecord emits fs as one JSON object in field order, newline terminated.
// Binary values are hex encoded; nulls are JSON null.
func writeRecord(s *jsoniter.Stream, fs *fieldset.FieldSet) {
	s.WriteObjectStart()
	for i, f := range fs.Fields() {
		if i > 0 {
			s.WriteMore()
		}
		s.WriteObjectField(f.Name)
		switch f.Value.Kind {
		case fieldset.KindInt:
			s.WriteUint64(f.Value.Int)
		case fieldset.KindBool:
			s.WriteBool(f.Value.Bool)
		case fieldset.KindString:
			s.WriteString(f.Value.Str)
		case fieldset.KindBinary:
			s.WriteString(hex.EncodeToString(f.Value.Bin))
		default:
			s.WriteNil()
		}
	}
	s.WriteObjectEnd()
	s.WriteRaw("\n")
}

// MarshalRecord returns the JSON line for fs.
func MarshalRecord(fs *fieldset.FieldSet) ([]byte, error) {
	s := json.BorrowStream(nil)
	defer json.ReturnStream(s)
	writeRecord(s, fs)
	if s.Error != nil {
		return nil, s.Error
	}
	return append([]byte(nil), s.Buffer()...), nil
}

// JSONFormatter writes JSONL.
type JSONFormatter struct {
	stream *jsoniter.Stream
}

const jsonFlushThreshold = 32 * 1024

func NewJSONFormatter(w io.Writer) *JSONFormatter {
	return &JSONFormatter{stream: jsoniter.NewStream(json, w, jsonFlushThreshold)}
}

func (f *JSONFormatter) Write(fs *fieldset.FieldSet) error {
	writeRecord(f.stream, fs)
	if f.stream.Error != nil {
		return f.stream.Error
	}
	if f.stream.Buffered() >= jsonFlushThreshold {
		return f.stream.Flush()
	}
	return nil
}

func (f *JSONFormatter) Flush() error { return f.stream.Flush() }

// CSVFormatter writes one column per schema field, in schema order.
type CSVFormatter struct {
	writer *csv.Writer
	names  []string
	row    []string
}

// NewCSVFormatter writes the header row unless header is false (appending to
// a file that already has one). The header is flushed straight away so a
// broken destination fails here rather than on the first record.
func NewCSVFormatter(w io.Writer, fields []fieldset.Def, header bool) (*CSVFormatter, error) {
	names := fieldset.Names(fields)
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(names); err != nil {
			return nil, fmt.Errorf("csv header: %w", err)
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, fmt.Errorf("csv header: %w", err)
		}
	}
	return &CSVFormatter{writer: cw, names: names, row: make([]string, len(names))}, nil
}

func (f *CSVFormatter) Write(fs *fieldset.FieldSet) error {
	for i, name := range f.names {
		v, _ := fs.Get(name)
		f.row[i] = csvValue(v)
	}
	return f.writer.Write(f.row)
}

func csvValue(v fieldset.Value) string {
	switch v.Kind {
	case fieldset.KindInt:
		return strconv.FormatUint(v.Int, 10)
	case fieldset.KindBool:
		return strconv.FormatBool(v.Bool)
	case fieldset.KindString:
		return v.Str
	case fieldset.KindBinary:
		return hex.EncodeToString(v.Bin)
	}
	return ""
}

func (f *CSVFormatter) Flush() error {
	f.writer.Flush()
	return f.writer.Error()
}
