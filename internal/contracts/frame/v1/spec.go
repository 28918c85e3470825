package v1

// Frame protocol v1: contract between the render service and a worker process.
//
// The parent writes one Job per line (JSON) on the worker's stdin. For every
// job the worker writes one Reply line (JSON) on stdout followed by exactly
// Reply.Size raw bytes: the frame encoded as a single-image GIF. A worker
// handles one job at a time and keeps running until its stdin is closed.

// Axis values.
const (
	AxisY    = "y"
	AxisWave = "wave"
)

// Colors are 0xRRGGBB values.
type Colors struct {
	Front      uint32 `json:"front"`
	Side       uint32 `json:"side"`
	Background uint32 `json:"background"`
	Opaque     bool   `json:"opaque"`
}

// RenderOptions are shared by every frame of one generation.
type RenderOptions struct {
	Text   string `json:"text"`
	Axis   string `json:"axis"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Color  Colors `json:"color"`
}

// Job asks a worker to render one frame.
// - frame: index in [0, frames)
// - frames: total frame count, needed to compute the animation phase
type Job struct {
	Options RenderOptions `json:"options"`
	Frame   int           `json:"frame"`
	Frames  int           `json:"frames"`
}

// Reply precedes the frame bytes. A non-empty Error means no bytes follow
// and the worker should be considered broken.
type Reply struct {
	Frame int    `json:"frame"`
	Size  int    `json:"size"`
	Error string `json:"error,omitempty"`
}
