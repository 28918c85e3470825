package renderer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	v1 "giftext/internal/contracts/frame/v1"
)

const (
	maxDimension  = 2048
	referenceSize = 100
	// depth is the extrusion depth in pixels.
	depth = 6
	// shades per color ramp in the frame palette.
	shades = 40
)

// Renderer turns one frame job into a single-image GIF.
type Renderer interface {
	Render(job v1.Job) ([]byte, error)
}

// TextRenderer draws extruded text with Go Regular.
type TextRenderer struct {
	font *opentype.Font

	mu    sync.Mutex
	faces map[float64]font.Face
}

func New() (*TextRenderer, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return &TextRenderer{font: f, faces: make(map[float64]font.Face)}, nil
}

func (r *TextRenderer) Render(job v1.Job) ([]byte, error) {
	o := job.Options
	if o.Width <= 0 || o.Height <= 0 || o.Width > maxDimension || o.Height > maxDimension {
		return nil, fmt.Errorf("invalid frame size %dx%d", o.Width, o.Height)
	}
	if job.Frames <= 0 || job.Frame < 0 || job.Frame >= job.Frames {
		return nil, fmt.Errorf("frame %d out of range [0,%d)", job.Frame, job.Frames)
	}

	bg := rgb(o.Color.Background)
	front := rgb(o.Color.Front)
	side := rgb(o.Color.Side)

	canvas := image.NewRGBA(image.Rect(0, 0, o.Width, o.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	r.mu.Lock()
	face, err := r.fittedFace(o.Text, o.Width, o.Height)
	if err == nil {
		phase := 2 * math.Pi * float64(job.Frame) / float64(job.Frames)
		switch o.Axis {
		case v1.AxisWave:
			drawWave(canvas, face, o.Text, front, side, phase)
		default:
			drawSpin(canvas, face, o.Text, front, side, phase)
		}
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pal := framePalette(bg, side, front)
	pm := image.NewPaletted(canvas.Bounds(), pal)
	draw.Draw(pm, pm.Bounds(), canvas, image.Point{}, draw.Src)
	if !o.Color.Opaque {
		// Index 0 is the background.
		pm.Palette[0] = color.RGBA{}
	}

	var buf bytes.Buffer
	if err := gif.Encode(&buf, pm, nil); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// fittedFace returns the largest face that keeps the text inside the canvas.
// Caller holds r.mu.
func (r *TextRenderer) fittedFace(text string, width, height int) (font.Face, error) {
	ref, err := r.faceAt(referenceSize)
	if err != nil {
		return nil, err
	}

	size := float64(height) * 0.55
	if w := font.MeasureString(ref, text).Ceil(); w > 0 {
		if fit := referenceSize * (float64(width)*0.85 - depth) / float64(w); fit < size {
			size = fit
		}
	}
	return r.faceAt(math.Max(6, math.Floor(size)))
}

func (r *TextRenderer) faceAt(size float64) (font.Face, error) {
	if f, ok := r.faces[size]; ok {
		return f, nil
	}
	f, err := opentype.NewFace(r.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("font face %.0f: %w", size, err)
	}
	r.faces[size] = f
	return f, nil
}

// drawSpin turns the whole text around the vertical axis.
func drawSpin(dst *image.RGBA, face font.Face, text string, front, side color.RGBA, phase float64) {
	m := face.Metrics()
	adv := font.MeasureString(face, text).Ceil()
	h := (m.Ascent + m.Descent).Ceil()
	if adv == 0 || h == 0 {
		return
	}

	layer := image.NewRGBA(image.Rect(0, 0, adv+2*depth, h+depth))
	lean := math.Sin(phase)
	for d := depth; d >= 1; d-- {
		x := depth + int(math.Round(lean*float64(d)))
		drawText(layer, face, text, fixed.I(x), m.Ascent+fixed.I(d), side)
	}
	drawText(layer, face, text, fixed.I(depth), m.Ascent, front)

	scale := math.Max(math.Abs(math.Cos(phase)), 0.06)
	lb := layer.Bounds()
	w := max(int(float64(lb.Dx())*scale), 1)
	x0 := (dst.Bounds().Dx() - w) / 2
	y0 := (dst.Bounds().Dy() - lb.Dy()) / 2
	draw.BiLinear.Scale(dst, image.Rect(x0, y0, x0+w, y0+lb.Dy()), layer, lb, draw.Over, nil)
}

// drawWave moves every rune on a sine travelling along the text.
func drawWave(dst *image.RGBA, face font.Face, text string, front, side color.RGBA, phase float64) {
	m := face.Metrics()
	b := dst.Bounds()
	adv := font.MeasureString(face, text).Ceil()
	amp := float64(b.Dy()) * 0.12

	x := fixed.I((b.Dx() - adv - depth) / 2)
	baseline := (b.Dy() + m.Ascent.Ceil() - m.Descent.Ceil()) / 2
	prev := rune(-1)
	for i, ch := range []rune(text) {
		if prev >= 0 {
			x += face.Kern(prev, ch)
		}
		y := baseline + int(amp*math.Sin(phase+float64(i)*0.6))
		s := string(ch)
		for d := depth; d >= 1; d-- {
			drawText(dst, face, s, x+fixed.I(d), fixed.I(y+d), side)
		}
		drawText(dst, face, s, x, fixed.I(y), front)

		a, _ := face.GlyphAdvance(ch)
		x += a
		prev = ch
	}
}

func drawText(dst draw.Image, face font.Face, text string, x, y fixed.Int26_6, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: x, Y: y},
	}
	d.DrawString(text)
}

// framePalette holds the background first, then ramps between the three
// colors so anti-aliased edges keep their hue.
func framePalette(bg, side, front color.RGBA) color.Palette {
	pal := make(color.Palette, 0, 1+3*shades)
	pal = append(pal, bg)
	for i := 1; i <= shades; i++ {
		t := float64(i) / shades
		pal = append(pal, blend(bg, side, t), blend(bg, front, t), blend(side, front, t))
	}
	return pal
}

func blend(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 0xff}
}

func rgb(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
