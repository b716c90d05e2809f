package internal

import (
	"bytes"
	"image"
	"image/jpeg"
	"math"

	xdraw "golang.org/x/image/draw"
)

// FrameCodec turns one pixel buffer into a broadcast-ready JPEG payload of
// a fixed output size.
type FrameCodec struct {
	Width   int
	Height  int
	Quality int
}

func NewFrameCodec(width, height, quality int) *FrameCodec {
	return &FrameCodec{Width: width, Height: height, Quality: quality}
}

// Letterbox scales src to fit inside the target bounds preserving its aspect
// ratio and centers it on a black canvas. The output is always exactly
// Width x Height regardless of the input dimensions.
func (c *FrameCodec) Letterbox(src image.Image) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	xdraw.Draw(canvas, canvas.Bounds(), image.Black, image.Point{}, xdraw.Src)

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return canvas
	}

	scale := math.Min(float64(c.Width)/float64(srcW), float64(c.Height)/float64(srcH))
	newW := int(float64(srcW) * scale)
	newH := int(float64(srcH) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	x0 := (c.Width - newW) / 2
	y0 := (c.Height - newH) / 2
	region := image.Rect(x0, y0, x0+newW, y0+newH)

	xdraw.ApproxBiLinear.Scale(canvas, region, src, bounds, xdraw.Src, nil)
	return canvas
}

// EncodeJPEG compresses img at the codec's fixed quality setting.
func (c *FrameCodec) EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Process is the per-tick path: letterbox then encode.
func (c *FrameCodec) Process(src image.Image) ([]byte, error) {
	return c.EncodeJPEG(c.Letterbox(src))
}

// SyntheticFrame renders the animated fallback pattern for one frame
// counter value. The same counter always yields the same pixels, and
// adjacent counters move smoothly, so the output is usable as a visual
// liveness check when no capture source is attached.
func SyntheticFrame(counter uint64, width, height int) *image.RGBA {
	t := float64(counter) * 0.03

	// Each plane depends on only one coordinate axis, so precompute rows,
	// columns and diagonals instead of three sines per pixel.
	rRow := make([]uint8, width)
	for x := 0; x < width; x++ {
		rRow[x] = uint8(127 + 127*math.Sin(float64(x)*0.02+t))
	}
	gCol := make([]uint8, height)
	for y := 0; y < height; y++ {
		gCol[y] = uint8(127 + 127*math.Sin(float64(y)*0.02+t*1.3))
	}
	bDiag := make([]uint8, width+height)
	for d := 0; d < width+height; d++ {
		bDiag[d] = uint8(127 + 127*math.Sin(float64(d)*0.01+t*0.7))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			row[x*4] = rRow[x]
			row[x*4+1] = gCol[y]
			row[x*4+2] = bDiag[x+y]
			row[x*4+3] = 0xFF
		}
	}
	return img
}
