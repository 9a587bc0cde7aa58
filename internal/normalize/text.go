package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonASCII     = regexp.MustCompile(`[^\x00-\x7F]+`)
	nonWord      = regexp.MustCompile(`[^A-Za-z0-9_\s]`)
	spaces       = regexp.MustCompile(`\s+`)
	slugStrip    = regexp.MustCompile(`[^A-Za-z0-9_\s-]`)
	slugJoin     = regexp.MustCompile(`[-\s]+`)
	cjk          = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)
	occidental   = regexp.MustCompile(`[a-zA-ZáéíóúñÁÉÍÓÚÑ]`)
	titleCaser   = cases.Title(language.Und)
	accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// NormalizeTitle produces the matching form of a title: ASCII only (emoji and
// accented letters dropped), lowercase, punctuation turned into spaces and
// whitespace collapsed. It is never shown to users.
func NormalizeTitle(raw string) string {
	if raw == "" {
		return ""
	}
	t := nonASCII.ReplaceAllString(raw, "")
	t = strings.ToLower(t)
	t = nonWord.ReplaceAllString(t, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(t, " "))
}

// Fold removes diacritics and lowercases.
func Fold(s string) string {
	out, _, err := transform.String(accentFolder, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// Slugify turns a display name into a compact code ("Ciudad de México" -> "ciudaddemexico").
func Slugify(s string) string {
	if s == "" {
		return ""
	}
	s = slugStrip.ReplaceAllString(Fold(s), "")
	return slugJoin.ReplaceAllString(s, "")
}

func titleCase(s string) string {
	return titleCaser.String(s)
}

// mojibake pairs observed in cached provider responses, applied in order.
var mojibake = [][2]string{
	{"茅", "é"}, {"贸", "ó"}, {"谩", "á"}, {"铆", "í"}, {"煤", "ú"}, {"帽", "ñ"}, {"麓", "í"},
	{"√©", "é"}, {"√°", "á"}, {"√≠", "í"}, {"√≥", "ó"}, {"√∫", "ú"}, {"√±", "ñ"},
	{"√ì", "Ó"}, {"√Å", "Á"}, {"¬∫", "º"}, {"¬", ""},
}

// FixEncoding repairs common mojibake: UTF-8 that was decoded as Latin-1
// ("CariÃ±o"), CJK/MacRoman substitutions, and stray replacement characters.
func FixEncoding(s string) string {
	if s == "" {
		return s
	}
	if strings.Contains(s, "Ã") {
		if fixed, ok := latin1RoundTrip(s); ok {
			return strings.TrimSpace(fixed)
		}
	}
	for _, p := range mojibake {
		if strings.Contains(s, p[0]) {
			for _, r := range mojibake {
				s = strings.ReplaceAll(s, r[0], r[1])
			}
			break
		}
	}
	if strings.ContainsRune(s, utf8.RuneError) {
		s = strings.ReplaceAll(s, string(utf8.RuneError), "")
		if cjk.MatchString(s) && len(occidental.FindAllString(s, -1)) > 5 {
			s = cjk.ReplaceAllString(s, "")
		}
	}
	return strings.TrimSpace(s)
}

// latin1RoundTrip re-reads s as the UTF-8 bytes its Latin-1 runes spell.
func latin1RoundTrip(s string) (string, bool) {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return "", false
		}
		b = append(b, byte(r))
	}
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

// containsKeyword reports whether kw occurs in text (both already lowercase)
// at a word boundary, so "meet" does not fire on "meetup" nor "py" on "happy".
func containsKeyword(text, kw string) bool {
	if kw == "" {
		return false
	}
	first, _ := utf8.DecodeRuneInString(kw)
	last, _ := utf8.DecodeLastRuneInString(kw)
	checkStart := isWordRune(first)
	checkEnd := isWordRune(last)

	from := 0
	for from <= len(text) {
		i := strings.Index(text[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		okStart := true
		if checkStart && start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(text[:start])
			okStart = !isWordRune(prev)
		}
		okEnd := true
		if checkEnd && end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			okEnd = !isWordRune(next)
		}
		if okStart && okEnd {
			return true
		}
		from = start + 1
	}
	return false
}

func containsAnyKeyword(text string, kws []string) (string, bool) {
	for _, kw := range kws {
		if containsKeyword(text, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
