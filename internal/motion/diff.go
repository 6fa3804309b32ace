package motion

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
)

// loadGray decodes a JPEG file into a grayscale frame.
func loadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return toGray(img), nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma, components scaled down from 16 bit.
			luma := (299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000
			gray.SetGray(x, y, color.Gray{Y: uint8(luma)})
		}
	}
	return gray
}

// countChangedPixels compares two same-sized grayscale frames and counts
// pixels whose luma delta exceeds the threshold. Returns -1 when the
// frames differ in size, which callers treat as a baseline reset.
func countChangedPixels(a, b *image.Gray, threshold int) int {
	if a.Bounds() != b.Bounds() {
		return -1
	}
	changed := 0
	for i := range a.Pix {
		d := int(a.Pix[i]) - int(b.Pix[i])
		if d < 0 {
			d = -d
		}
		if d > threshold {
			changed++
		}
	}
	return changed
}
