package capture

import (
	"bytes"
	"image"
	"image/jpeg"
)

// EncodeJPEG encodes a frame with the given quality (clamped to 1..100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ScaleToWidth downscales a frame to the target width, preserving aspect
// ratio with nearest-neighbor sampling. Upscaling is never done.
func ScaleToWidth(img *image.RGBA, width int) *image.RGBA {
	bounds := img.Bounds()
	if width <= 0 || width >= bounds.Dx() {
		return img
	}
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}

	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xRatio := float64(bounds.Dx()) / float64(width)
	yRatio := float64(bounds.Dy()) / float64(height)
	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + int(float64(y)*yRatio)
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + int(float64(x)*xRatio)
			scaled.Set(x, y, img.At(srcX, srcY))
		}
	}
	return scaled
}
