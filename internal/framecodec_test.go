package internal

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestLetterboxOutputDimensions(t *testing.T) {
	codec := NewFrameCodec(512, 512, 70)

	cases := []struct{ w, h int }{
		{512, 512},
		{1920, 1080},
		{1080, 1920},
		{100, 50},
		{1, 1},
		{3, 1000},
	}

	for _, tc := range cases {
		out := codec.Letterbox(solidImage(tc.w, tc.h, color.RGBA{255, 255, 255, 255}))
		if out.Bounds().Dx() != 512 || out.Bounds().Dy() != 512 {
			t.Fatalf("input %dx%d: output %v", tc.w, tc.h, out.Bounds())
		}
	}
}

func TestLetterboxCentersAndPads(t *testing.T) {
	codec := NewFrameCodec(512, 512, 70)

	// 2:1 input scales to 512x256 centered vertically, rows 128..383.
	out := codec.Letterbox(solidImage(100, 50, color.RGBA{255, 255, 255, 255}))

	r, g, b, _ := out.At(256, 256).RGBA()
	if r>>8 < 200 || g>>8 < 200 || b>>8 < 200 {
		t.Fatalf("center pixel not white: %d %d %d", r>>8, g>>8, b>>8)
	}

	for _, y := range []int{0, 100, 127, 384, 450, 511} {
		r, g, b, _ := out.At(256, y).RGBA()
		if r>>8 > 10 || g>>8 > 10 || b>>8 > 10 {
			t.Fatalf("padding row %d not black: %d %d %d", y, r>>8, g>>8, b>>8)
		}
	}
}

func TestLetterboxPillarboxesTallInput(t *testing.T) {
	codec := NewFrameCodec(512, 512, 70)

	// 1:2 input scales to 256x512 centered horizontally, cols 128..383.
	out := codec.Letterbox(solidImage(50, 100, color.RGBA{255, 255, 255, 255}))

	for _, x := range []int{0, 127, 384, 511} {
		r, g, b, _ := out.At(x, 256).RGBA()
		if r>>8 > 10 || g>>8 > 10 || b>>8 > 10 {
			t.Fatalf("padding col %d not black: %d %d %d", x, r>>8, g>>8, b>>8)
		}
	}

	r, _, _, _ := out.At(256, 256).RGBA()
	if r>>8 < 200 {
		t.Fatal("center pixel not white")
	}
}

func TestProcessEmitsDecodableJPEG(t *testing.T) {
	codec := NewFrameCodec(128, 128, 70)

	payload, err := codec.Process(SyntheticFrame(42, 64, 64))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 128 || img.Bounds().Dy() != 128 {
		t.Fatalf("decoded bounds %v", img.Bounds())
	}
}

func TestSyntheticFrameDeterministic(t *testing.T) {
	a := SyntheticFrame(5, 64, 64)
	b := SyntheticFrame(5, 64, 64)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("same counter produced different frames")
	}

	c := SyntheticFrame(6, 64, 64)
	if bytes.Equal(a.Pix, c.Pix) {
		t.Fatal("pattern does not animate between counters")
	}
}
