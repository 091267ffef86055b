package translate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

// Dictionary maps whole sentences to gloss sequences. Lookups pick the closest key
// whose similarity ratio reaches the cutoff and fall back to the input text.
type Dictionary struct {
	entries map[string]string
	keys    []string
	cutoff  float64
}

func LoadDictionary(path string, cutoff float64) (*Dictionary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	defer file.Close()
	return ParseDictionary(file, cutoff)
}

// ParseDictionary reads "key -> value" lines. Blank and malformed lines are skipped.
func ParseDictionary(r io.Reader, cutoff float64) (*Dictionary, error) {
	d := &Dictionary{entries: make(map[string]string), cutoff: cutoff}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "->")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := d.entries[key]; !seen {
			d.keys = append(d.keys, key)
		}
		d.entries[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	sort.Strings(d.keys)
	return d, nil
}

func (d *Dictionary) Name() string { return "dictionary" }

func (d *Dictionary) Len() int { return len(d.entries) }

func (d *Dictionary) Translate(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	query := stripPunct(text)
	if query == "" {
		return "", nil
	}
	if key, ok := d.closest(query); ok {
		return clean(d.entries[key]), nil
	}
	return clean(text), nil
}

func (d *Dictionary) closest(query string) (string, bool) {
	target := runes(query)
	best, bestScore := "", -1.0
	for _, key := range d.keys {
		m := difflib.NewMatcher(runes(key), target)
		if m.RealQuickRatio() < d.cutoff || m.QuickRatio() < d.cutoff {
			continue
		}
		score := m.Ratio()
		if score < d.cutoff {
			continue
		}
		// ties go to the lexically larger key
		if score > bestScore || (score == bestScore && key > best) {
			best, bestScore = key, score
		}
	}
	return best, bestScore >= 0
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// stripPunct keeps letters, digits, underscores and whitespace.
func stripPunct(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || unicode.IsMark(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
