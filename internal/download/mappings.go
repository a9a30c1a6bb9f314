package download

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Mapping rewrites URLs matching Pattern. Replacement uses regexp
// expansion syntax ($1, ${name}).
type Mapping struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// ParseMappings reads "pattern,replacement" lines. Blank lines and lines
// starting with # are ignored.
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pattern, replacement, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("line %d: expected pattern,replacement", lineNo)
		}
		re, err := regexp.Compile(strings.TrimSpace(pattern))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid pattern: %w", lineNo, err)
		}
		mappings = append(mappings, Mapping{Pattern: re, Replacement: strings.TrimSpace(replacement)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read url mappings: %w", err)
	}
	return mappings, nil
}

// LoadMappings parses the mapping file at path. A missing file yields no
// mappings.
func LoadMappings(path string) ([]Mapping, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open url mappings: %w", err)
	}
	defer f.Close()

	mappings, err := ParseMappings(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mappings, nil
}

// Apply runs every mapping over rawURL in file order.
func Apply(mappings []Mapping, rawURL string) string {
	for _, m := range mappings {
		rawURL = m.Pattern.ReplaceAllString(rawURL, m.Replacement)
	}
	return rawURL
}
