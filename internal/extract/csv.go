package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// csvMarkdown renders a CSV file as a markdown document with a header
// block and a table.
func csvMarkdown(name string, data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("reading csv: %w", err)
	}

	cols := 0
	for _, rec := range records {
		if len(rec) > cols {
			cols = len(rec)
		}
	}
	rows := 0
	if len(records) > 0 {
		rows = len(records) - 1
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# CSV Data: %s\n\n**Rows:** %d\n**Columns:** %d\n\n## Data\n\n", name, rows, cols)
	if len(records) == 0 {
		return sb.String(), nil
	}

	writeRow := func(rec []string) {
		sb.WriteString("|")
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(rec) {
				cell = escapeCell(rec[i])
			}
			sb.WriteString(" " + cell + " |")
		}
		sb.WriteByte('\n')
	}

	writeRow(records[0])
	sb.WriteString("|" + strings.Repeat(" --- |", cols) + "\n")
	for _, rec := range records[1:] {
		writeRow(rec)
	}
	return sb.String(), nil
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
