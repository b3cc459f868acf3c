package stream

import (
	"bytes"
	"image/jpeg"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// extractJPEG scans buf for the first complete SOI..EOI frame. It returns
// the frame and the offset just past it, or ok=false when no complete frame
// is buffered yet.
func extractJPEG(buf []byte) (frame []byte, rest int, ok bool) {
	start := bytes.Index(buf, jpegSOI)
	if start < 0 {
		return nil, 0, false
	}
	end := bytes.Index(buf[start+2:], jpegEOI)
	if end < 0 {
		return nil, 0, false
	}
	end = start + 2 + end + 2
	return buf[start:end], end, true
}

// visibleFrame rejects frames a capture pipeline produces when it grabs the
// wrong surface: near-black and near-constant images. Luminance is sampled
// on a coarse grid to keep the check cheap.
func visibleFrame(frame []byte) bool {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return false
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return false
	}

	stepX := bounds.Dx() / 32
	stepY := bounds.Dy() / 32
	if stepX < 1 {
		stepX = 1
	}
	if stepY < 1 {
		stepY = 1
	}

	var sum, count float64
	minLum, maxLum := 255.0, 0.0
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			sum += lum
			count++
			if lum < minLum {
				minLum = lum
			}
			if lum > maxLum {
				maxLum = lum
			}
		}
	}
	if count == 0 {
		return false
	}
	mean := sum / count
	if mean < 3 && maxLum-minLum < 4 {
		return false
	}
	return true
}

// firstChunkOK gates a subprocess stream on its initial output. MJPEG must
// deliver a complete, visible frame; an encoded TS stream only needs bytes.
func firstChunkOK(codec string, buf []byte) bool {
	if codec != "mjpeg" {
		return len(buf) > 0
	}
	frame, _, ok := extractJPEG(buf)
	if !ok {
		return false
	}
	return visibleFrame(frame)
}
