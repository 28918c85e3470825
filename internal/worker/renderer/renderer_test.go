package renderer

import (
	"bytes"
	"image/color"
	"image/gif"
	"strings"
	"testing"

	v1 "giftext/internal/contracts/frame/v1"
)

func testJob(axis string, frame int) v1.Job {
	return v1.Job{
		Options: v1.RenderOptions{
			Text:   "giftext.tv",
			Axis:   axis,
			Width:  400,
			Height: 150,
			Color: v1.Colors{
				Front:      0xf20d0d,
				Side:       0x29a3a3,
				Background: 0xffffff,
				Opaque:     true,
			},
		},
		Frame:  frame,
		Frames: 24,
	}
}

func TestRender(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		axis  string
		frame int
	}{
		{"spin first frame", v1.AxisY, 0},
		{"spin edge on", v1.AxisY, 6},
		{"wave", v1.AxisWave, 0},
		{"wave last frame", v1.AxisWave, 23},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(testJob(tt.axis, tt.frame))
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}

			img, err := gif.DecodeAll(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("output is not a GIF: %v", err)
			}
			if len(img.Image) != 1 {
				t.Fatalf("images = %d, want 1", len(img.Image))
			}
			frame := img.Image[0]
			if b := frame.Bounds(); b.Dx() != 400 || b.Dy() != 150 {
				t.Errorf("bounds = %v, want 400x150", b)
			}

			white := color.RGBA{0xff, 0xff, 0xff, 0xff}
			if got := color.RGBAModel.Convert(frame.At(0, 0)); got != white {
				t.Errorf("corner = %v, want background", got)
			}

			inked := 0
			for y := 0; y < 150; y++ {
				for x := 0; x < 400; x++ {
					if color.RGBAModel.Convert(frame.At(x, y)) != white {
						inked++
					}
				}
			}
			if inked == 0 {
				t.Error("no text was drawn")
			}
		})
	}
}

func TestRender_FramesDiffer(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	a, err := r.Render(testJob(v1.AxisY, 0))
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Render(testJob(v1.AxisY, 5))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("frames 0 and 5 are identical")
	}
}

func TestRender_Transparent(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	job := testJob(v1.AxisWave, 0)
	job.Options.Color.Opaque = false

	out, err := r.Render(job)
	if err != nil {
		t.Fatal(err)
	}
	img, err := gif.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Errorf("background alpha = %d, want 0", a)
	}
}

func TestRender_Invalid(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*v1.Job)
		want   string
	}{
		{"zero width", func(j *v1.Job) { j.Options.Width = 0 }, "invalid frame size"},
		{"too tall", func(j *v1.Job) { j.Options.Height = 4096 }, "invalid frame size"},
		{"frame past end", func(j *v1.Job) { j.Frame = 24 }, "out of range"},
		{"negative frame", func(j *v1.Job) { j.Frame = -1 }, "out of range"},
		{"no frames", func(j *v1.Job) { j.Frames = 0 }, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob(v1.AxisY, 0)
			tt.mutate(&job)
			if _, err := r.Render(job); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Render() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRender_EmptyText(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	job := testJob(v1.AxisY, 0)
	job.Options.Text = ""
	if _, err := r.Render(job); err != nil {
		t.Errorf("Render() with empty text = %v, want a blank frame", err)
	}
}
