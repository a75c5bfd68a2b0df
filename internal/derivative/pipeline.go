// Package derivative implements on-demand image derivative generation:
// decoding, EXIF orientation correction, resizing and JPEG encoding, plus
// the build coordination that prevents redundant renders.
package derivative

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ThinkerWen/wpic/internal/domain"
)

// ImageInfo describes a decoded image without holding its pixels.
type ImageInfo struct {
	Width  int
	Height int
	Format string
}

// Probe inspects image bytes and returns dimensions and format.
// Returns domain.ErrUnsupportedImageFormat for content that isn't a known
// image format, and domain.ErrCorruptImageData for a known format that
// fails to parse.
func Probe(data []byte) (*ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, domain.ErrUnsupportedImageFormat
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptImageData, err)
	}

	return &ImageInfo{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: format,
	}, nil
}

// Render decodes the original, applies EXIF orientation, scales it to fit
// within the spec's bounding box preserving aspect ratio, and encodes the
// result as JPEG. Animated sources contribute only their first frame.
// Images already within bounds are re-encoded without upscaling.
func Render(data []byte, spec domain.DerivativeSpec) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, 0, 0, domain.ErrUnsupportedImageFormat
		}
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrCorruptImageData, err)
	}

	img = applyOrientation(img, Orientation(data))

	// Fit never upscales, so small originals pass through at native size.
	scaled := imaging.Fit(img, spec.MaxDimension, spec.MaxDimension, imaging.Lanczos)

	bounds := scaled.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: spec.Quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode derivative: %w", err)
	}

	return buf.Bytes(), w, h, nil
}

// Orientation extracts the EXIF orientation value (1-8) from image bytes.
// Returns 1 (normal) when no usable EXIF data is present.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}

	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
