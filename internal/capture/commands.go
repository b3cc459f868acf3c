package capture

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// StreamOptions are the per-request capture parameters carried through the
// negotiator into the subprocess command builders.
type StreamOptions struct {
	Monitor    int
	FPS        int
	Width      int
	Quality    int
	LowLatency bool
	Audio      bool
}

func (o StreamOptions) fps() int {
	if o.FPS <= 0 {
		return 15
	}
	return o.FPS
}

// scaleFilter builds the ffmpeg -vf argument. Width -2 keeps the aspect
// ratio with an even height, which the encoders require.
func (o StreamOptions) scaleFilter() string {
	if o.Width <= 0 {
		return ""
	}
	return fmt.Sprintf("scale=%d:-2", o.Width)
}

// FFmpegMJPEGCommands returns candidate ffmpeg invocations producing MJPEG
// on stdout, best first. On Windows ddagrab (desktop duplication) is
// preferred over the slower gdigrab; on Wayland the pipewire device comes
// first with an x11grab fallback for XWayland setups.
func FFmpegMJPEGCommands(opts StreamOptions) [][]string {
	quality := mjpegQScale(opts.Quality)
	var inputs [][]string
	switch runtime.GOOS {
	case "windows":
		inputs = append(inputs,
			[]string{"-f", "lavfi", "-i", fmt.Sprintf("ddagrab=output_idx=%d:framerate=%d", opts.Monitor, opts.fps())},
			[]string{"-f", "gdigrab", "-framerate", strconv.Itoa(opts.fps()), "-i", "desktop"},
		)
	case "darwin":
		inputs = append(inputs,
			[]string{"-f", "avfoundation", "-capture_cursor", "1", "-framerate", strconv.Itoa(opts.fps()),
				"-i", fmt.Sprintf("%d:none", opts.Monitor)},
		)
	default:
		if IsWaylandSession() {
			inputs = append(inputs,
				[]string{"-f", "pipewiregrab", "-framerate", strconv.Itoa(opts.fps()), "-i", "0"},
				[]string{"-f", "x11grab", "-framerate", strconv.Itoa(opts.fps()), "-i", displayEnv()},
			)
		} else {
			inputs = append(inputs,
				[]string{"-f", "x11grab", "-framerate", strconv.Itoa(opts.fps()), "-i", displayEnv()},
			)
		}
	}

	var cmds [][]string
	for _, in := range inputs {
		cmd := []string{"ffmpeg", "-hide_banner", "-loglevel", "error"}
		cmd = append(cmd, in...)
		if vf := opts.scaleFilter(); vf != "" {
			cmd = append(cmd, "-vf", vf)
		}
		cmd = append(cmd,
			"-c:v", "mjpeg",
			"-q:v", strconv.Itoa(quality),
			"-f", "mpjpeg",
			// The mpjpeg muxer defaults to its own boundary tag; pin it to
			// the one every multipart response advertises.
			"-boundary_tag", "frame",
			"-an",
			"pipe:1",
		)
		cmds = append(cmds, cmd)
	}
	return cmds
}

// FFmpegTSCommands returns candidate ffmpeg invocations producing an MPEG-TS
// elementary stream with the requested codec ("h264" or "h265") on stdout.
func FFmpegTSCommands(codec string, opts StreamOptions) [][]string {
	encoder := "libx264"
	if codec == "h265" {
		encoder = "libx265"
	}

	var inputs [][]string
	switch runtime.GOOS {
	case "windows":
		inputs = append(inputs,
			[]string{"-f", "lavfi", "-i", fmt.Sprintf("ddagrab=output_idx=%d:framerate=%d", opts.Monitor, opts.fps())},
			[]string{"-f", "gdigrab", "-framerate", strconv.Itoa(opts.fps()), "-i", "desktop"},
		)
	case "darwin":
		inputs = append(inputs,
			[]string{"-f", "avfoundation", "-capture_cursor", "1", "-framerate", strconv.Itoa(opts.fps()),
				"-i", fmt.Sprintf("%d:none", opts.Monitor)},
		)
	default:
		inputs = append(inputs,
			[]string{"-f", "x11grab", "-framerate", strconv.Itoa(opts.fps()), "-i", displayEnv()},
		)
	}

	var cmds [][]string
	for _, in := range inputs {
		cmd := []string{"ffmpeg", "-hide_banner", "-loglevel", "error"}
		cmd = append(cmd, in...)
		if vf := opts.scaleFilter(); vf != "" {
			cmd = append(cmd, "-vf", vf)
		}
		cmd = append(cmd, "-c:v", encoder, "-preset", "ultrafast")
		if opts.LowLatency {
			cmd = append(cmd, "-tune", "zerolatency", "-g", strconv.Itoa(opts.fps()*2))
		}
		if !opts.Audio {
			cmd = append(cmd, "-an")
		}
		cmd = append(cmd, "-f", "mpegts", "pipe:1")
		cmds = append(cmds, cmd)
	}
	return cmds
}

// GStreamerCommands returns the Wayland pipewire MJPEG pipeline. gstreamer
// is only offered on Linux.
func GStreamerCommands(opts StreamOptions) [][]string {
	if runtime.GOOS != "linux" {
		return nil
	}
	pipeline := []string{
		"gst-launch-1.0", "-q",
		"pipewiresrc",
		"!", fmt.Sprintf("video/x-raw,framerate=%d/1", opts.fps()),
		"!", "videoconvert",
	}
	if opts.Width > 0 {
		pipeline = append(pipeline,
			"!", "videoscale",
			"!", fmt.Sprintf("video/x-raw,width=%d", opts.Width),
		)
	}
	pipeline = append(pipeline,
		"!", "jpegenc", fmt.Sprintf("quality=%d", clampQuality(opts.Quality)),
		"!", "multipartmux", "boundary=frame",
		"!", "fdsink", "fd=1",
	)
	return [][]string{pipeline}
}

func displayEnv() string {
	if d := os.Getenv("DISPLAY"); d != "" {
		return d
	}
	return ":0.0"
}

func clampQuality(q int) int {
	if q < 1 {
		return 60
	}
	if q > 100 {
		return 100
	}
	return q
}

// mjpegQScale converts a 1..100 quality to the ffmpeg mjpeg -q:v scale,
// where 2 is best and 31 worst.
func mjpegQScale(quality int) int {
	q := clampQuality(quality)
	scale := 2 + (100-q)*29/99
	if scale < 2 {
		scale = 2
	}
	if scale > 31 {
		scale = 31
	}
	return scale
}
