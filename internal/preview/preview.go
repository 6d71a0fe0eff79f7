// Package preview writes sample images so training progress can be judged
// by eye.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"srcnn-forge/internal/dataset"
)

const jpegQuality = 95

// Writer dumps the first Count samples of a batch into Dir.
type Writer struct {
	Dir   string
	Count int
}

// WriteReference writes the network inputs and ground-truth targets once per
// run as photo{i}_xinput.jpg and photo{i}_original.jpg.
func (w Writer) WriteReference(inputs, targets dataset.Tensor) error {
	if err := w.writeAll(inputs, "xinput"); err != nil {
		return err
	}
	return w.writeAll(targets, "original")
}

// WriteEpoch writes model outputs as photo{i}_epoch{N}.jpg.
func (w Writer) WriteEpoch(epoch int, outputs dataset.Tensor) error {
	return w.writeAll(outputs, fmt.Sprintf("epoch%d", epoch))
}

func (w Writer) writeAll(t dataset.Tensor, tag string) error {
	n := w.Count
	if n > t.N {
		n = t.N
	}
	for i := 0; i < n; i++ {
		img, err := ToImage(t, i)
		if err != nil {
			return err
		}
		path := filepath.Join(w.Dir, fmt.Sprintf("photo%d_%s.jpg", i, tag))
		if err := writeJPEG(path, img); err != nil {
			return err
		}
	}
	return nil
}

func writeJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create preview")
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

// toByte maps a [0,1] intensity to [0,255].
func toByte(v float64) uint8 {
	v = math.Round(v * 255)
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// ToImage converts sample i of t into a grayscale (1 channel) or RGB
// (3 channel) image.
func ToImage(t dataset.Tensor, i int) (image.Image, error) {
	if i < 0 || i >= t.N {
		return nil, errors.Errorf("sample %d out of range [0, %d)", i, t.N)
	}
	plane := t.H * t.W
	data := t.Sample(i)
	rect := image.Rect(0, 0, t.W, t.H)
	switch t.C {
	case 1:
		img := image.NewGray(rect)
		for p := 0; p < plane; p++ {
			img.Pix[p] = toByte(data[p])
		}
		return img, nil
	case 3:
		img := image.NewRGBA(rect)
		for y := 0; y < t.H; y++ {
			for x := 0; x < t.W; x++ {
				p := y*t.W + x
				img.SetRGBA(x, y, color.RGBA{
					R: toByte(data[p]),
					G: toByte(data[plane+p]),
					B: toByte(data[2*plane+p]),
					A: 255,
				})
			}
		}
		return img, nil
	default:
		return nil, errors.Errorf("cannot render %d channels", t.C)
	}
}
