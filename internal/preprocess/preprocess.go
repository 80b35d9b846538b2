// Package preprocess turns uploaded image bytes into the fixed-shape,
// normalized float32 tensor the classifier expects.
//
// Images of any size are stretched to a square of the configured side
// without preserving aspect ratio, then 8-bit RGB values are scaled to [0,1].
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

const channels = 3

// DefaultMaxPixels is the largest width×height accepted before decoding.
const DefaultMaxPixels = 89_478_485

var (
	// ErrEmptyImage is wrapped by InvalidImageError when the upload has no bytes.
	ErrEmptyImage = errors.New("empty image")
	// ErrTooManyPixels is wrapped by InvalidImageError when the image header
	// declares more pixels than the Preprocessor accepts.
	ErrTooManyPixels = errors.New("image exceeds pixel limit")
)

// InvalidImageError reports input that could not be decoded as an image.
type InvalidImageError struct {
	Err error
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image: %v", e.Err)
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// Layout is the memory order of the produced tensor.
type Layout int

const (
	// NHWC is batch, height, width, channels (Keras default).
	NHWC Layout = iota
	// NCHW is batch, channels, height, width (PyTorch default).
	NCHW
)

func (l Layout) String() string {
	if l == NCHW {
		return "nchw"
	}
	return "nhwc"
}

// ParseLayout converts "nhwc" or "nchw" (any case) to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "nhwc":
		return NHWC, nil
	case "nchw":
		return NCHW, nil
	}
	return NHWC, fmt.Errorf("preprocess: unknown layout %q", s)
}

var filters = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"lanczos3": resize.Lanczos3,
}

// ParseFilter converts a filter name to an nfnt/resize interpolation function.
func ParseFilter(s string) (resize.InterpolationFunction, error) {
	f, ok := filters[strings.ToLower(s)]
	if !ok {
		return resize.Bicubic, fmt.Errorf("preprocess: unknown resize filter %q", s)
	}
	return f, nil
}

// Tensor is a single-image batch of normalized pixel intensities.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Preprocessor converts encoded images into tensors of one fixed shape.
// It holds no mutable state and is safe for concurrent use.
type Preprocessor struct {
	size      int
	layout    Layout
	filter    resize.InterpolationFunction
	maxPixels int64
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithMaxPixels caps width×height of accepted images. n <= 0 keeps
// DefaultMaxPixels.
func WithMaxPixels(n int64) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New returns a Preprocessor producing size×size tensors in the given layout.
func New(size int, layout Layout, filter resize.InterpolationFunction, opts ...Option) *Preprocessor {
	p := &Preprocessor{size: size, layout: layout, filter: filter, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxPixels returns the largest accepted width×height.
func (p *Preprocessor) MaxPixels() int64 { return p.maxPixels }

// Size returns the side length of the square the image is resized to.
func (p *Preprocessor) Size() int { return p.size }

// Layout returns the tensor memory order.
func (p *Preprocessor) Layout() Layout { return p.layout }

// Shape returns the shape of every tensor this Preprocessor produces.
func (p *Preprocessor) Shape() []int64 {
	s := int64(p.size)
	if p.layout == NCHW {
		return []int64{1, channels, s, s}
	}
	return []int64{1, s, s, channels}
}

// Process reads r to the end and returns the normalized tensor.
func (p *Preprocessor) Process(r io.Reader) (*Tensor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &InvalidImageError{Err: err}
	}
	return p.ProcessBytes(data)
}

// ProcessBytes decodes an in-memory upload and returns the normalized
// tensor. Undecodable or oversized input yields an *InvalidImageError.
func (p *Preprocessor) ProcessBytes(data []byte) (*Tensor, error) {
	img, err := p.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.FromImage(img), nil
}

// Decode reads any registered image format (JPEG, PNG, GIF, BMP, TIFF),
// honoring EXIF orientation. The header is checked against the pixel limit
// before any pixel data is decoded.
func (p *Preprocessor) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, &InvalidImageError{Err: ErrEmptyImage}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &InvalidImageError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &InvalidImageError{Err: fmt.Errorf("zero-sized image %dx%d", cfg.Width, cfg.Height)}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return nil, &InvalidImageError{Err: fmt.Errorf("%w: %dx%d is %d pixels, limit %d",
			ErrTooManyPixels, cfg.Width, cfg.Height, pixels, p.maxPixels)}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &InvalidImageError{Err: err}
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, &InvalidImageError{Err: fmt.Errorf("zero-sized image %dx%d", b.Dx(), b.Dy())}
	}
	return img, nil
}

// FromImage stretches img to the target square and normalizes it. Alpha is
// dropped without compositing: transparent pixels keep their straight RGB.
func (p *Preprocessor) FromImage(img image.Image) *Tensor {
	side := uint(p.size)
	resized := resize.Resize(side, side, opaque(img), p.filter)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			r := float32(c.R) / 255.0
			g := float32(c.G) / 255.0
			b := float32(c.B) / 255.0

			pixelIndex := y*width + x
			if p.layout == NCHW {
				data[pixelIndex] = r
				data[plane+pixelIndex] = g
				data[2*plane+pixelIndex] = b
				continue
			}
			off := pixelIndex * channels
			data[off] = r
			data[off+1] = g
			data[off+2] = b
		}
	}

	return &Tensor{Data: data, Shape: p.Shape()}
}

// opaque returns img as NRGBA with every alpha set to 255, so resizing does
// not premultiply color away.
func opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
