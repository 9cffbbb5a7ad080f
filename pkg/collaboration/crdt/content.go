package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ContentType tags the payload kind of an item on the wire.
type ContentType string

const (
	ContentTypeString ContentType = "string"
	ContentTypeAny    ContentType = "any"
)

// Content is the payload of an item. Its length is the number of clocks the
// item occupies; Split must divide the payload without changing the order of
// its elements.
type Content interface {
	Type() ContentType
	Len() int
	Split(offset int) (Content, Content)
	// Values returns one entry per element.
	Values() []interface{}
}

// StringContent is a run of text. Each rune is one element.
type StringContent string

func (c StringContent) Type() ContentType { return ContentTypeString }

func (c StringContent) Len() int { return utf8.RuneCountInString(string(c)) }

// Split cuts after offset runes. Bytes are kept as they are, so an invalid
// sequence counts as one rune per byte on both sides of the cut.
func (c StringContent) Split(offset int) (Content, Content) {
	s := string(c)
	i := 0
	for n := 0; n < offset && i < len(s); n++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return StringContent(s[:i]), StringContent(s[i:])
}

func (c StringContent) Values() []interface{} {
	values := make([]interface{}, 0, len(c))
	for _, r := range string(c) {
		values = append(values, string(r))
	}
	return values
}

// AnyContent holds JSON-compatible values, one element per value.
type AnyContent []interface{}

func (c AnyContent) Type() ContentType { return ContentTypeAny }

func (c AnyContent) Len() int { return len(c) }

func (c AnyContent) Split(offset int) (Content, Content) {
	left := append(AnyContent(nil), c[:offset]...)
	right := append(AnyContent(nil), c[offset:]...)
	return left, right
}

func (c AnyContent) Values() []interface{} { return c }

var (
	// ErrUnknownContentType is returned when decoding an unrecognized payload tag
	ErrUnknownContentType = errors.New("unknown content type")
	// ErrUnsupportedValue is returned for values that have no JSON encoding,
	// such as NaN, channels and functions.
	ErrUnsupportedValue = errors.New("value cannot be encoded as JSON")
)

// ValidText replaces every run of invalid UTF-8 in s with U+FFFD, the form
// the text takes after a trip over the wire.
func ValidText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Normalize returns c exactly as a peer decodes it from an update, so that
// every replica stores the same elements. Values without a JSON encoding are
// rejected with ErrUnsupportedValue.
func Normalize(c Content) (Content, error) {
	switch c := c.(type) {
	case StringContent:
		return StringContent(ValidText(string(c))), nil
	case AnyContent:
		raw, err := json.Marshal([]interface{}(c))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		var values []interface{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return AnyContent(values), nil
	default:
		return c, nil
	}
}

func decodeContent(t ContentType, raw json.RawMessage) (Content, error) {
	switch t {
	case ContentTypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode string content: %w", err)
		}
		return StringContent(s), nil
	case ContentTypeAny:
		var values []interface{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decode any content: %w", err)
		}
		return AnyContent(values), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, t)
	}
}
