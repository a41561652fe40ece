// Package imaging normalises generated or uploaded images onto the fixed print canvas.
package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Print canvas defaults: 15 x 18 inches at 300 DPI.
const (
	DefaultWidth      = 4500
	DefaultHeight     = 5400
	DefaultCropMargin = 15
	DefaultDPI        = 300
)

// ErrTooSmall is returned when the crop margin consumes the whole image.
var ErrTooSmall = errors.New("image smaller than crop margin")

// Options controls the normalisation canvas.
type Options struct {
	Width      int
	Height     int
	CropMargin int
	DPI        int
}

// DefaultOptions returns the print canvas settings.
func DefaultOptions() Options {
	return Options{
		Width:      DefaultWidth,
		Height:     DefaultHeight,
		CropMargin: DefaultCropMargin,
		DPI:        DefaultDPI,
	}
}

// WithDefaults fills unset dimensions and DPI. A zero crop margin is kept.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	if o.CropMargin < 0 {
		o.CropMargin = 0
	}
	if o.DPI <= 0 {
		o.DPI = d.DPI
	}
	return o
}

// Normalize decodes data, trims CropMargin pixels from every edge to drop generation
// borders, and scales the result to exactly Width x Height.
func Normalize(data []byte, opts Options) (image.Image, error) {
	opts = opts.WithDefaults()

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	crop := src.Bounds().Inset(opts.CropMargin)
	if crop.Empty() {
		return nil, fmt.Errorf("%s %dx%d with margin %d: %w",
			format, src.Bounds().Dx(), src.Bounds().Dy(), opts.CropMargin, ErrTooSmall)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	return dst, nil
}

// Encode writes img as PNG with a pHYs chunk declaring dpi.
func Encode(img image.Image, dpi int) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	if dpi <= 0 {
		return buf.Bytes(), nil
	}
	return withPhys(buf.Bytes(), dpi)
}

// Save encodes img with the DPI tag and writes it to path.
func Save(path string, img image.Image, dpi int) error {
	data, err := Encode(img, dpi)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// NormalizeFile reads inPath, normalises it and saves the PNG to outPath.
func NormalizeFile(inPath, outPath string, opts Options) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inPath, err)
	}
	img, err := Normalize(data, opts)
	if err != nil {
		return err
	}
	return Save(outPath, img, opts.WithDefaults().DPI)
}

// pngSignature(8) + IHDR length(4) + type(4) + data(13) + crc(4)
const ihdrEnd = 8 + 4 + 4 + 13 + 4

// withPhys inserts a pHYs chunk right after IHDR. The Go encoder never writes one.
func withPhys(data []byte, dpi int) ([]byte, error) {
	if len(data) < ihdrEnd || string(data[12:16]) != "IHDR" {
		return nil, errors.New("encode png: unexpected chunk layout")
	}
	ppm := uint32(float64(dpi)/0.0254 + 0.5)

	chunk := make([]byte, 0, 4+4+9+4)
	chunk = binary.BigEndian.AppendUint32(chunk, 9)
	chunk = append(chunk, "pHYs"...)
	chunk = binary.BigEndian.AppendUint32(chunk, ppm)
	chunk = binary.BigEndian.AppendUint32(chunk, ppm)
	chunk = append(chunk, 1) // unit: metre
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:ihdrEnd]...)
	out = append(out, chunk...)
	out = append(out, data[ihdrEnd:]...)
	return out, nil
}

// DPIOf returns the horizontal DPI recorded in a PNG's pHYs chunk, or 0 when absent.
func DPIOf(data []byte) int {
	pos := 8
	for pos+8 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		if typ == "pHYs" && pos+8+9 <= len(data) && data[pos+16] == 1 {
			ppm := binary.BigEndian.Uint32(data[pos+8 : pos+12])
			return int(float64(ppm)*0.0254 + 0.5)
		}
		if typ == "IDAT" || typ == "IEND" {
			return 0
		}
		pos += 12 + n
	}
	return 0
}
