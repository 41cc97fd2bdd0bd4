package artifact

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the values an artifact record may hold.
// There is no float and no null: both break byte-stable hashing.
type Value interface {
	artifactValue() // Sealed
}

// String is a text value. It is NFC-normalized when marshaled.
type String string

// Int is an integer value.
type Int int64

// Bool is a boolean value.
type Bool bool

// Array is an ordered list of values.
type Array []Value

// Object maps keys to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (String) artifactValue() {}
func (Int) artifactValue()    {}
func (Bool) artifactValue()   {}
func (Array) artifactValue()  {}
func (Object) artifactValue() {}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units), which
// differs from Go's byte order for characters outside the BMP.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < min(len(a16), len(b16)); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}
