package extract

import (
	"strconv"
	"strings"
)

// namedEntities is the set of named escapes models emit when they escape
// their own XML output. Anything outside this set is left untouched.
var namedEntities = map[string]rune{
	"quot": '"',
	"amp":  '&',
	"lt":   '<',
	"gt":   '>',
	"apos": '\'',
}

// unescapeEntities resolves named and numeric (decimal and hex) character
// references in a single pass. Single-pass matters: "&amp;quot;" must become
// "&quot;" and stop there, because the replacement text is never rescanned.
func unescapeEntities(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != '&' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		body := s[i+1 : i+end]
		if r, ok := decodeEntity(body); ok {
			b.WriteRune(r)
			i += end + 1
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func decodeEntity(body string) (rune, bool) {
	if body == "" {
		return 0, false
	}
	if r, ok := namedEntities[body]; ok {
		return r, true
	}
	if body[0] != '#' {
		return 0, false
	}
	num := body[1:]
	base := 10
	if len(num) > 0 && (num[0] == 'x' || num[0] == 'X') {
		num = num[1:]
		base = 16
	}
	if num == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(num, base, 32)
	if err != nil {
		return 0, false
	}
	r := rune(v)
	if r == 0 || !strconv.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
		return 0, false
	}
	return r, true
}
