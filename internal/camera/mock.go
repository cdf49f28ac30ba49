package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/util"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// MockCamera produces synthetic frames labelled with the step name.
type MockCamera struct {
	Width  int
	Height int

	mu    sync.Mutex
	cfg   Opts
	err   error
	block chan struct{}
	calls []models.ScreeningStep
}

// NewMockCamera returns a MockCamera writing 640x480 frames.
func NewMockCamera(opts ...Option) *MockCamera {
	return &MockCamera{Width: 640, Height: 480, cfg: buildOpts(opts)}
}

// FailWith makes subsequent pictures fail with err. Pass nil to recover.
func (m *MockCamera) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Block makes TakePicture wait until the returned function is called.
func (m *MockCamera) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.block == ch {
				m.block = nil
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns the steps pictures were requested for.
func (m *MockCamera) Calls() []models.ScreeningStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ScreeningStep(nil), m.calls...)
}

func (m *MockCamera) TakePicture(ctx context.Context, step models.ScreeningStep) (models.ImageDescriptor, error) {
	m.mu.Lock()
	m.calls = append(m.calls, step)
	block, err := m.block, m.err
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.ImageDescriptor{}, fmt.Errorf("%w: %v", models.ErrCaptureFailed, ctx.Err())
		}
	}
	if err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("%w: %v", models.ErrCaptureFailed, err)
	}

	if err := os.MkdirAll(m.cfg.OutputDir, 0o755); err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("%w: %v", models.ErrCaptureFailed, err)
	}
	img := SyntheticFrame(m.Width, m.Height, step.Label())
	path := filepath.Join(m.cfg.OutputDir, fmt.Sprintf("%s_%s.jpg", step.UploadField, util.GenerateCaptureID()))
	desc, err := writeJPEG(path, transform(img, m.cfg), m.cfg)
	if err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("%w: %v", models.ErrCaptureFailed, err)
	}
	return desc, nil
}

// SyntheticFrame draws a gradient frame with text centred near the top.
func SyntheticFrame(width, height int, text string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8((x + y) * 255 / (width + height))
			img.SetRGBA(x, y, color.RGBA{v, v / 2, 128, 255})
		}
	}

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, text).Ceil()
	x := (width - textWidth) / 2
	y := height/20 + face.Metrics().Ascent.Ceil()

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if dx != 0 || dy != 0 {
				drawer.Dot = fixed.P(x+dx, y+dy)
				drawer.DrawString(text)
			}
		}
	}
	drawer.Src = image.NewUniform(color.White)
	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)
	return img
}
