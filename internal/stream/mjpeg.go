package stream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/capture"
	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("stream")

// MJPEGBoundary is the multipart boundary used by every MJPEG producer.
const MJPEGBoundary = "frame"

// MJPEGContentType is the media type for the multipart stream.
const MJPEGContentType = "multipart/x-mixed-replace; boundary=" + MJPEGBoundary

// MJPEGOptions control one native MJPEG response.
type MJPEGOptions struct {
	Width          int
	Quality        int
	FPS            int
	Cursor         bool
	Monitor        int
	StaleKeepalive time.Duration
}

// ServeMJPEG streams frames from src until the client disconnects. When no
// new frame arrives within the keepalive budget, the previous frame is
// re-emitted so the connection never looks idle.
func ServeMJPEG(w http.ResponseWriter, r *http.Request, src capture.JPEGSource, opts MJPEGOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	if opts.StaleKeepalive <= 0 {
		opts.StaleKeepalive = 2 * time.Second
	}
	interval := time.Second / time.Duration(opts.FPS)

	w.Header().Set("Content-Type", MJPEGContentType)
	setStreamingHeaders(w)
	w.WriteHeader(http.StatusOK)

	var (
		lastSeq   uint64
		lastFrame []byte
		lastEmit  time.Time
	)
	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, seq, err := src.JPEG(opts.Width, opts.Quality, opts.Cursor, opts.Monitor)
		now := time.Now()
		switch {
		case err == nil && (seq != lastSeq || lastFrame == nil):
			if writeErr := writePart(w, data); writeErr != nil {
				return
			}
			flusher.Flush()
			lastSeq = seq
			lastFrame = data
			lastEmit = now
		case lastFrame != nil && now.Sub(lastEmit) >= opts.StaleKeepalive:
			if writeErr := writePart(w, lastFrame); writeErr != nil {
				return
			}
			flusher.Flush()
			lastEmit = now
		case err != nil && lastFrame == nil:
			// Nothing captured yet; keep waiting within this request.
		}
	}
}

// setStreamingHeaders disables every caching and buffering layer between
// the capture loop and the client.
func setStreamingHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("X-Accel-Buffering", "no")
}

func writePart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", MJPEGBoundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
