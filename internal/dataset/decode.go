package dataset

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
)

// Color modes understood by DecodeImage.
const (
	ColorYOnly = "yonly"
	ColorRGB   = "rgb"
)

// Channels reports how many planes a color mode decodes into.
func Channels(mode string) (int, error) {
	switch mode {
	case ColorYOnly:
		return 1, nil
	case ColorRGB:
		return 3, nil
	}
	return 0, errors.Errorf("unknown color mode %q", mode)
}

// Planar is one decoded image laid out channel-major with 0..255 values.
type Planar struct {
	C, H, W int
	Data    []float64
}

// DecodeImage decodes a PNG or JPEG payload. In yonly mode the luma plane of
// the YCbCr conversion is kept; rgb keeps three planes.
func DecodeImage(raw []byte, mode string) (Planar, error) {
	channels, err := Channels(mode)
	if err != nil {
		return Planar{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Planar{}, errors.Wrap(err, "decode image")
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return Planar{}, errors.New("empty image")
	}

	p := Planar{C: channels, H: h, W: w, Data: make([]float64, channels*h*w)}
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			off := y*w + x
			if channels == 1 {
				luma, _, _ := color.RGBToYCbCr(c.R, c.G, c.B)
				p.Data[off] = float64(luma)
				continue
			}
			p.Data[off] = float64(c.R)
			p.Data[plane+off] = float64(c.G)
			p.Data[2*plane+off] = float64(c.B)
		}
	}
	return p, nil
}
