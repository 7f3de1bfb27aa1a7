// Package kb converts runes into the DevTools key event sequences a real
// keyboard would produce.
package kb

import (
	"unicode"

	"github.com/chromedp/cdproto/input"
)

// Key describes how one rune maps onto a physical key.
type Key struct {
	// Code is the KeyboardEvent.code value ("KeyA", "Digit1", "Enter").
	Code string

	// Key is the KeyboardEvent.key value ("a", "A", "Enter").
	Key string

	// Text is the text produced, if any.
	Text string

	// Unmodified is the text produced without modifiers held.
	Unmodified string

	// Native and Windows are the scan / virtual key codes.
	Native  int64
	Windows int64

	// Shift indicates the key requires shift to produce this rune.
	Shift bool

	// Print indicates a printable rune (synthesize a char event).
	Print bool
}

// Control runes addressable through Encode, so callers can embed named
// keys in plain strings.
const (
	Backspace = '\b'
	Tab       = '\t'
	Enter     = '\r'
	Escape    = '\x1b'
	Delete    = '\x7f'
)

var special = map[rune]Key{
	Backspace: {Code: "Backspace", Key: "Backspace", Native: 8, Windows: 8},
	Tab:       {Code: "Tab", Key: "Tab", Native: 9, Windows: 9},
	Enter:     {Code: "Enter", Key: "Enter", Text: "\r", Unmodified: "\r", Native: 13, Windows: 13, Print: true},
	Escape:    {Code: "Escape", Key: "Escape", Native: 27, Windows: 27},
	Delete:    {Code: "Delete", Key: "Delete", Native: 46, Windows: 46},
}

// lookup resolves a rune to its key description. ASCII letters, digits
// and space resolve to their physical keys; anything else, punctuation
// included, is typed as raw text with no key code or virtual key code,
// which is how DevTools handles IME-composed input.
func lookup(r rune) Key {
	if k, ok := special[r]; ok {
		return k
	}
	switch {
	case r >= 'a' && r <= 'z':
		return Key{
			Code: "Key" + string(unicode.ToUpper(r)), Key: string(r),
			Text: string(r), Unmodified: string(r),
			Native: int64(unicode.ToUpper(r)), Windows: int64(unicode.ToUpper(r)),
			Print: true,
		}
	case r >= 'A' && r <= 'Z':
		return Key{
			Code: "Key" + string(r), Key: string(r),
			Text: string(r), Unmodified: string(unicode.ToLower(r)),
			Native: int64(r), Windows: int64(r),
			Shift: true, Print: true,
		}
	case r >= '0' && r <= '9':
		return Key{
			Code: "Digit" + string(r), Key: string(r),
			Text: string(r), Unmodified: string(r),
			Native: int64(r), Windows: int64(r),
			Print: true,
		}
	case r == ' ':
		return Key{
			Code: "Space", Key: " ", Text: " ", Unmodified: " ",
			Native: 32, Windows: 32, Print: true,
		}
	default:
		return Key{Key: string(r), Text: string(r), Unmodified: string(r), Print: true}
	}
}

// Encode synthesizes the keyDown, char and keyUp events for r. Control
// runes other than Enter produce no char event; everything else does.
func Encode(r rune) []*input.DispatchKeyEventParams {
	k := lookup(r)

	var mod input.Modifier
	if k.Shift {
		mod |= input.ModifierShift
	}

	down := &input.DispatchKeyEventParams{
		Type:                  input.KeyDown,
		Modifiers:             mod,
		Key:                   k.Key,
		Code:                  k.Code,
		NativeVirtualKeyCode:  k.Native,
		WindowsVirtualKeyCode: k.Windows,
	}
	up := &input.DispatchKeyEventParams{
		Type:                  input.KeyUp,
		Modifiers:             mod,
		Key:                   k.Key,
		Code:                  k.Code,
		NativeVirtualKeyCode:  k.Native,
		WindowsVirtualKeyCode: k.Windows,
	}

	if !k.Print {
		return []*input.DispatchKeyEventParams{down, up}
	}

	char := &input.DispatchKeyEventParams{
		Type:                  input.KeyChar,
		Modifiers:             mod,
		Key:                   k.Key,
		Code:                  k.Code,
		Text:                  k.Text,
		UnmodifiedText:        k.Unmodified,
		NativeVirtualKeyCode:  k.Native,
		WindowsVirtualKeyCode: k.Windows,
	}
	return []*input.DispatchKeyEventParams{down, char, up}
}
