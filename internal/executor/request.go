package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Request is a fully-resolved request description: every placeholder has been
// expanded and session headers merged before it reaches the executor. The
// executor runs exactly what it is handed and knows nothing about services.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Fields  []Field
	Jar     http.CookieJar
}

// Field is one multipart field. Path, when set, names a file streamed from
// disk; otherwise Value is sent literally.
type Field struct {
	Name     string
	Value    string
	Path     string
	Filename string
}

// Parse tells the executor how to normalize a 2xx response body into the
// (viewer URL, thumbnail URL) pair.
type Parse struct {
	Type        string // json | regex | body
	ViewerPath  string
	ThumbPath   string
	ViewerRegex string
	ThumbRegex  string
}

// Result is a normalized successful upload.
type Result struct {
	ViewerURL string
	ThumbURL  string
	Checksum  string
	Attempts  int
}

// maxResponseBytes bounds how much of a response body is read for parsing.
const maxResponseBytes = 4 << 20

func (p Parse) extract(body []byte) (viewer, thumb string, err error) {
	switch p.Type {
	case "json":
		viewer, err = jsonPath(body, p.ViewerPath)
		if err != nil {
			return "", "", err
		}
		if p.ThumbPath != "" {
			// Thumb is best effort; some services only return a viewer link.
			thumb, _ = jsonPath(body, p.ThumbPath)
		}
		return viewer, thumb, nil
	case "regex":
		viewer, err = regexCapture(body, p.ViewerRegex)
		if err != nil {
			return "", "", err
		}
		if p.ThumbRegex != "" {
			thumb, _ = regexCapture(body, p.ThumbRegex)
		}
		return viewer, thumb, nil
	case "body", "":
		viewer = strings.TrimSpace(string(body))
		if viewer == "" {
			return "", "", fmt.Errorf("empty response body")
		}
		return viewer, "", nil
	default:
		return "", "", fmt.Errorf("unknown response parse type %q", p.Type)
	}
}

// JSONPath walks a dotted path ("data.link", "images.0.url") through a JSON
// document and renders the leaf as a string.
func JSONPath(body []byte, path string) (string, error) {
	return jsonPath(body, path)
}

// RegexCapture returns the first capture group of the first match of pattern
// over body, or the whole match when the pattern has no groups.
func RegexCapture(body []byte, pattern string) (string, error) {
	return regexCapture(body, pattern)
}

func jsonPath(body []byte, path string) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("response is not valid JSON: %w", err)
	}

	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return "", fmt.Errorf("response field %q not found (at %q)", path, seg)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", fmt.Errorf("response field %q: bad array index %q", path, seg)
			}
			cur = node[idx]
		default:
			return "", fmt.Errorf("response field %q: cannot descend into %T", path, cur)
		}
	}

	switch v := cur.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("response field %q is not a scalar", path)
	}
}

// regexCapture returns the first capture group of the first match, or the
// whole match when the pattern has no groups.
func regexCapture(body []byte, pattern string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("bad response pattern: %w", err)
	}
	m := re.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("response did not match pattern %q", pattern)
	}
	if len(m) > 1 {
		return string(m[1]), nil
	}
	return string(m[0]), nil
}
