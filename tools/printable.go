package tools

import "unicode"

type printableType interface {
	~string | ~[]rune | ~[]byte
}

// IsPrintable returns v without its non printable characters, so a control
// line can be logged without its CRLF.
func IsPrintable[T printableType](v T) string {
	var result []rune
	keep := func(r rune) {
		if unicode.IsPrint(r) {
			result = append(result, r)
		}
	}

	switch v := any(v).(type) {
	case string:
		for _, r := range v {
			keep(r)
		}
	case []rune:
		for _, r := range v {
			keep(r)
		}
	case []byte:
		for _, r := range string(v) {
			keep(r)
		}
	}
	return string(result)
}
