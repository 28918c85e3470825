package generation

import (
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	v1 "giftext/internal/contracts/frame/v1"
)

// MaxKeyLength is the longest accepted key, in runes.
const MaxKeyLength = 64

// NormalizeKey turns request text into a generation key: '+' reads as a
// space, surrounding whitespace is dropped and the result is NFC so that
// equivalent spellings share one cache entry.
func NormalizeKey(raw string) string {
	s := strings.ReplaceAll(raw, "+", " ")
	return norm.NFC.String(strings.TrimSpace(s))
}

// ValidKey reports whether key can be rendered.
func ValidKey(key string) bool {
	if key == "" || !utf8.ValidString(key) {
		return false
	}
	return utf8.RuneCountInString(key) <= MaxKeyLength
}

// NewOptions picks the look of one generation: a random hue for the face,
// a contrasting side color and a random axis.
func NewOptions(key string, width, height int, rnd func() float64) v1.RenderOptions {
	hue := rnd() * 360
	sideHue := math.Mod(hue+30*rnd()+165, 360)

	axis := v1.AxisWave
	if rnd() > 0.5 {
		axis = v1.AxisY
	}

	return v1.RenderOptions{
		Text:   key,
		Axis:   axis,
		Width:  width,
		Height: height,
		Color: v1.Colors{
			Front:      hsv(hue, 1.00, 0.95),
			Side:       hsv(sideHue, 0.80, 0.80),
			Background: 0xffffff,
			Opaque:     true,
		},
	}
}

// hsv converts h in degrees, s and v in [0, 1] to 0xRRGGBB.
func hsv(h, s, v float64) uint32 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	to8 := func(f float64) uint32 { return uint32(math.Round((f + m) * 255)) }
	return to8(r)<<16 | to8(g)<<8 | to8(b)
}
