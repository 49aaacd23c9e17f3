package cloud

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Cloud variables only hold numbers. Text is tunneled through them by mapping each
// glyph to a fixed two digit index. Indexes below 10 are never produced since a
// leading 0 is reserved for framing.

var ErrInvalidEncoding = errors.New("Invalid encoding.")

const firstGlyphIndex = 10

// the index of `#`, reused as the item separator for list replies
const ListSeparator = "89"

const NewLine = "\n"

var glyphs = func() []string {
	glyphs := []string{}
	for c := '0'; c <= '9'; c += 1 {
		glyphs = append(glyphs, string(c))
	}
	glyphs = append(glyphs, " ")
	// lower and upper case alternate, so `a`=21 `A`=22 `b`=23
	for c := 'a'; c <= 'z'; c += 1 {
		glyphs = append(glyphs, string(c), strings.ToUpper(string(c)))
	}
	for _, c := range ".,!?:;-_+=*/\\()&#@%$'\"<>[]" {
		glyphs = append(glyphs, string(c))
	}
	glyphs = append(glyphs, NewLine)
	return glyphs
}()

var glyphIndexes = func() map[rune]int {
	glyphIndexes := map[rune]int{}
	for i, glyph := range glyphs {
		glyphIndexes[[]rune(glyph)[0]] = firstGlyphIndex + i
	}
	return glyphIndexes
}()

var spaceIndex = glyphIndexes[' ']

func Glyphs() []string {
	out := make([]string, len(glyphs))
	copy(out, glyphs)
	return out
}

// Encode maps each character to its two digit index.
// Characters outside the alphabet encode as a space.
func Encode(text string) string {
	var b strings.Builder
	b.Grow(2 * len(text))
	for _, c := range text {
		index, ok := glyphIndexes[c]
		if !ok {
			index = spaceIndex
		}
		b.WriteString(strconv.Itoa(index))
	}
	return b.String()
}

func Decode(digits string) (string, error) {
	if len(digits)%2 != 0 {
		return "", fmt.Errorf("%w Odd length %d.", ErrInvalidEncoding, len(digits))
	}
	var b strings.Builder
	for i := 0; i < len(digits); i += 2 {
		pair := digits[i : i+2]
		index, err := strconv.Atoi(pair)
		if err != nil || pair[0] < '0' || pair[0] > '9' || pair[1] < '0' || pair[1] > '9' {
			return "", fmt.Errorf("%w Bad pair \"%s\" at %d.", ErrInvalidEncoding, pair, i)
		}
		glyphIndex := index - firstGlyphIndex
		if glyphIndex < 0 || len(glyphs) <= glyphIndex {
			return "", fmt.Errorf("%w Pair %d out of range at %d.", ErrInvalidEncoding, index, i)
		}
		b.WriteString(glyphs[glyphIndex])
	}
	return b.String(), nil
}

// EncodeList encodes each item and joins them with the list separator.
func EncodeList(items []string) string {
	encodedItems := make([]string, len(items))
	for i, item := range items {
		encodedItems[i] = Encode(item)
	}
	return strings.Join(encodedItems, ListSeparator)
}
