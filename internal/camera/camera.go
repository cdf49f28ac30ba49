// Package camera takes pictures for screening steps.
//
// CommandCamera shells out to a still-capture tool and post-processes the
// result; MockCamera synthesizes labelled frames for tests and simulation.
package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"golang.org/x/image/draw"
)

// Camera takes a picture for the given screening step.
type Camera interface {
	TakePicture(ctx context.Context, step models.ScreeningStep) (models.ImageDescriptor, error)
}

// DefaultJPEGQuality is used when re-encoding processed images.
const DefaultJPEGQuality = 90

// Opts holds post-processing options shared by camera implementations.
type Opts struct {
	OutputDir   string
	AspectRatio float64 // width/height; 0 keeps the original framing
	MaxWidth    int     // 0 keeps the original width
	Base64      bool
	JPEGQuality int
}

// Option defines a configuration option for a camera.
type Option func(*Opts)

// WithOutputDir sets where captured images are written.
func WithOutputDir(dir string) Option {
	return func(o *Opts) {
		o.OutputDir = dir
	}
}

// WithCrop center-crops images to the given width/height ratio.
func WithCrop(aspectRatio float64) Option {
	return func(o *Opts) {
		o.AspectRatio = aspectRatio
	}
}

// WithMaxWidth downscales images wider than px.
func WithMaxWidth(px int) Option {
	return func(o *Opts) {
		o.MaxWidth = px
	}
}

// WithBase64 includes the base64 encoded JPEG in the descriptor.
func WithBase64() Option {
	return func(o *Opts) {
		o.Base64 = true
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{OutputDir: os.TempDir(), JPEGQuality: DefaultJPEGQuality}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// processFile decodes the image at path, applies crop and scale, rewrites it
// as JPEG when anything changed and returns its descriptor.
func processFile(path string, cfg Opts) (models.ImageDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("failed to open capture: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("failed to decode capture: %w", err)
	}

	out := transform(src, cfg)
	if out == src && !cfg.Base64 {
		b := src.Bounds()
		return models.ImageDescriptor{URI: fileURI(path), Width: b.Dx(), Height: b.Dy()}, nil
	}
	return writeJPEG(path, out, cfg)
}

// transform returns src unchanged when no crop or scale applies.
func transform(src image.Image, cfg Opts) image.Image {
	img := src
	if cfg.AspectRatio > 0 {
		img = centerCrop(img, cfg.AspectRatio)
	}
	if cfg.MaxWidth > 0 && img.Bounds().Dx() > cfg.MaxWidth {
		img = scaleToWidth(img, cfg.MaxWidth)
	}
	return img
}

func centerCrop(src image.Image, ratio float64) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := w, int(float64(w)/ratio)
	if ch > h {
		cw, ch = int(float64(h)*ratio), h
	}
	if cw == w && ch == h {
		return src
	}
	x0 := b.Min.X + (w-cw)/2
	y0 := b.Min.Y + (h-ch)/2
	dst := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(dst, dst.Bounds(), src, image.Pt(x0, y0), draw.Src)
	return dst
}

func scaleToWidth(src image.Image, width int) image.Image {
	b := src.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func writeJPEG(path string, img image.Image, cfg Opts) (models.ImageDescriptor, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: cfg.JPEGQuality}); err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("failed to encode capture: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("failed to write capture: %w", err)
	}
	b := img.Bounds()
	desc := models.ImageDescriptor{URI: fileURI(path), Width: b.Dx(), Height: b.Dy()}
	if cfg.Base64 {
		desc.Base64 = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return desc, nil
}

func fileURI(path string) string {
	return "file://" + path
}

// PathFromURI strips the file:// scheme from a descriptor URI.
func PathFromURI(uri string) string {
	const prefix = "file://"
	if len(uri) >= len(prefix) && uri[:len(prefix)] == prefix {
		return uri[len(prefix):]
	}
	return uri
}
