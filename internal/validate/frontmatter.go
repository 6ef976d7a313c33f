package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

var (
	utf8BOM = []byte{0xEF, 0xBB, 0xBF}

	errNoFrontmatter   = errors.New("frontmatter must start with a '---' line")
	errUnterminated    = errors.New("frontmatter is not closed by a '---' line")
	errHeaderNotObject = errors.New("header is not a key/value mapping")
)

// normalizeMarkdown strips a byte order mark, converts CRLF line endings
// and trims whitespace around frontmatter delimiters. It reports whether
// anything changed.
func normalizeMarkdown(content []byte) ([]byte, bool) {
	out := bytes.TrimPrefix(content, utf8BOM)
	out = bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))

	lines := bytes.Split(out, []byte("\n"))
	if len(lines) > 0 && string(bytes.TrimSpace(lines[0])) == delimiter {
		lines[0] = []byte(delimiter)
		for i := 1; i < len(lines); i++ {
			if string(bytes.TrimSpace(lines[i])) == delimiter {
				lines[i] = []byte(delimiter)
				break
			}
		}
		out = bytes.Join(lines, []byte("\n"))
	}
	return out, !bytes.Equal(out, content)
}

// parseMarkdown splits normalized content into its YAML header and body.
func parseMarkdown(content []byte) (map[string]any, string, error) {
	if !bytes.HasPrefix(content, []byte(delimiter+"\n")) {
		return nil, "", errNoFrontmatter
	}
	rest := content[len(delimiter)+1:]

	var header, body []byte
	switch {
	case bytes.HasPrefix(rest, []byte(delimiter+"\n")) || bytes.Equal(rest, []byte(delimiter)):
		body = bytes.TrimPrefix(rest, []byte(delimiter))
	default:
		end := bytes.Index(rest, []byte("\n"+delimiter+"\n"))
		if end < 0 {
			if !bytes.HasSuffix(rest, []byte("\n"+delimiter)) {
				return nil, "", errUnterminated
			}
			end = len(rest) - len(delimiter) - 1
		}
		header = rest[:end]
		body = rest[min(end+len(delimiter)+2, len(rest)):]
	}

	fields := map[string]any{}
	if len(bytes.TrimSpace(header)) > 0 {
		var raw any
		if err := yaml.Unmarshal(header, &raw); err != nil {
			return nil, "", fmt.Errorf("invalid YAML frontmatter: %w", err)
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, "", errHeaderNotObject
		}
		fields = m
	}
	return fields, string(bytes.TrimSpace(body)), nil
}

// parseJSON decodes a JSON object document.
func parseJSON(content []byte) (map[string]any, error) {
	var raw any
	if err := json.Unmarshal(bytes.TrimPrefix(content, utf8BOM), &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errHeaderNotObject
	}
	return m, nil
}
