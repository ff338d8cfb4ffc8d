package indexer

import "unicode"

// IsAcceptableText reports whether a chunk looks like real text rather than
// binary garbage or mojibake. A chunk is rejected when fewer than 40% of its
// characters are common text, more than 5% are U+FFFD replacement characters,
// or more than 10% are non-whitespace control characters.
func IsAcceptableText(s string) bool {
	total := 0
	common := 0
	replacement := 0
	control := 0
	for _, r := range s {
		total++
		if r == '�' {
			replacement++
			continue
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			control++
			continue
		}
		if isCommonTextRune(r) {
			common++
		}
	}
	if total == 0 {
		return false
	}
	if float64(common)/float64(total) < 0.40 {
		return false
	}
	if float64(replacement)/float64(total) > 0.05 {
		return false
	}
	if float64(control)/float64(total) > 0.10 {
		return false
	}
	return true
}

func isCommonTextRune(r rune) bool {
	switch {
	case r >= 0x20 && r <= 0x7E: // printable ASCII
		return true
	case unicode.IsSpace(r):
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK extension A
		return true
	case r >= 0x3000 && r <= 0x303F: // CJK punctuation
		return true
	case r >= 0x3040 && r <= 0x309F: // hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // hangul
		return true
	case r >= 0x00C0 && r <= 0x024F: // latin extended
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // fullwidth forms
		return true
	default:
		return false
	}
}

// FilterChunks drops garbled chunks and renumbers the survivors contiguously.
func FilterChunks(chunks []Chunk) []Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if !IsAcceptableText(c.Text) {
			continue
		}
		c.Index = len(out)
		out = append(out, c)
	}
	return out
}
