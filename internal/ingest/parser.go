package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"honeyguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+Z-]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

// Parser turns one line of a stream transport into a submission. It accepts
// JSON objects, CSV (with or without a header row) and key=value text.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil, nil for blank lines and CSV header rows.
func (p *Parser) ParseLine(line string) (*normalize.Submission, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if sub, err := ParseJSONBytes([]byte(trim)); err == nil {
			return sub, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		sub, err := p.csv.Parse(trim)
		if err == nil {
			return sub, nil
		}
	}
	return parsePlain(trim), nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *normalize.Submission {
	sub := &normalize.Submission{}
	ts, rest := extractTimestamp(line)
	sub.Timestamp = ts
	details := map[string]any{}
	for _, match := range reKV.FindAllStringSubmatch(rest, -1) {
		key := strings.ToLower(match[1])
		value := strings.Trim(match[2], `"`)
		if field, ok := aliasOf[key]; ok && assignField(sub, field, value) {
			continue
		}
		details[key] = value
	}
	if len(details) > 0 {
		sub.Details = details
	}
	return sub
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	m = reSyslogTS.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	return "", line
}

// CSVParser remembers the first header row it sees. Without one, columns are
// timestamp, user_id, activity_type, resource, ip_address.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

var positional = []string{"timestamp", "user_id", "activity_type", "resource", "ip_address"}

func (p *CSVParser) Parse(line string) (*normalize.Submission, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		columns = positional
	}
	sub := &normalize.Submission{}
	details := map[string]any{}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		value := strings.TrimSpace(record[i])
		if field, ok := aliasOf[name]; ok && assignField(sub, field, value) {
			continue
		}
		if value != "" {
			details[name] = value
		}
	}
	if len(details) > 0 {
		sub.Details = details
	}
	return sub, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if _, ok := aliasOf[strings.ToLower(strings.TrimSpace(v))]; ok {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
