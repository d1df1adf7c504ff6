// Package export serializes tabular query results for download and terminal display.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"queryflow/internal/core"
)

// Format names an output format.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatTable    Format = "table"
)

// ParseFormat resolves a user supplied format name.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "table", "":
		return FormatTable, nil
	default:
		return "", core.NewValidationError(fmt.Sprintf("unsupported export format %q", name))
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// FileName returns the download file name for f.
func (f Format) FileName() string {
	ext := string(f)
	switch f {
	case FormatMarkdown:
		ext = "md"
	case FormatTable:
		ext = "txt"
	}
	return "query-results." + ext
}

// Export renders rows in format f.
func Export(rows []core.Row, f Format) []byte {
	switch f {
	case FormatCSV:
		return ToCSV(rows)
	case FormatJSON:
		return ToJSON(rows)
	case FormatMarkdown:
		var buf bytes.Buffer
		RenderMarkdown(&buf, rows)
		return buf.Bytes()
	default:
		var buf bytes.Buffer
		RenderTable(&buf, rows)
		return buf.Bytes()
	}
}

// ToCSV renders rows as CSV. The header is the column list of the first row. Every value is
// written as its JSON encoding, so strings are double-quoted and embedded quotes are escaped with
// a backslash. Missing and null values are written as "". Rows are separated by "\n" with no
// trailing newline. An empty input yields an empty result.
func ToCSV(rows []core.Row) []byte {
	if len(rows) == 0 {
		return []byte{}
	}
	header := rows[0].Columns()

	var buf bytes.Buffer
	buf.WriteString(strings.Join(header, ","))
	for _, row := range rows {
		buf.WriteByte('\n')
		for i, col := range header {
			if i > 0 {
				buf.WriteByte(',')
			}
			v, ok := row.Get(col)
			if !ok || v == nil {
				v = ""
			}
			buf.Write(encodeValue(v))
		}
	}
	return buf.Bytes()
}

// ToJSON renders rows as a JSON array indented with two spaces. Column order is preserved.
func ToJSON(rows []core.Row) []byte {
	var compact bytes.Buffer
	compact.WriteByte('[')
	for i, row := range rows {
		if i > 0 {
			compact.WriteByte(',')
		}
		compact.WriteByte('{')
		for j, col := range row.Columns() {
			if j > 0 {
				compact.WriteByte(',')
			}
			v, _ := row.Get(col)
			compact.Write(encodeValue(col))
			compact.WriteByte(':')
			compact.Write(encodeValue(v))
		}
		compact.WriteByte('}')
	}
	compact.WriteByte(']')

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return compact.Bytes()
	}
	return out.Bytes()
}

// encodeValue returns the JSON encoding of v without HTML escaping. Values that cannot be
// encoded are written as their fmt representation.
func encodeValue(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		buf.Reset()
		_ = enc.Encode(fmt.Sprintf("%v", v))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}
