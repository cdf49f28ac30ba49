package camera

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

func TestMockCameraWritesLabelledFrame(t *testing.T) {
	dir := t.TempDir()
	cam := NewMockCamera(WithOutputDir(dir), WithBase64())

	desc, err := cam.TakePicture(context.Background(), models.ScreeningSteps[0])
	if err != nil {
		t.Fatalf("TakePicture failed: %v", err)
	}
	if desc.Width != 640 || desc.Height != 480 {
		t.Errorf("unexpected dimensions %dx%d", desc.Width, desc.Height)
	}
	if !strings.HasPrefix(desc.URI, "file://"+dir) || !strings.Contains(desc.URI, "right-top_img_") {
		t.Errorf("unexpected URI %q", desc.URI)
	}
	if desc.Base64 == "" {
		t.Error("expected base64 payload")
	}
	if _, err := os.Stat(PathFromURI(desc.URI)); err != nil {
		t.Errorf("expected file on disk: %v", err)
	}
	if calls := cam.Calls(); len(calls) != 1 || calls[0].UploadField != "right-top" {
		t.Errorf("unexpected calls %+v", calls)
	}
}

func TestMockCameraFailure(t *testing.T) {
	cam := NewMockCamera(WithOutputDir(t.TempDir()))
	cam.FailWith(errors.New("lens cap on"))
	if _, err := cam.TakePicture(context.Background(), models.ScreeningSteps[1]); !errors.Is(err, models.ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	cam.FailWith(nil)
	if _, err := cam.TakePicture(context.Background(), models.ScreeningSteps[1]); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestMockCameraBlockHonoursContext(t *testing.T) {
	cam := NewMockCamera(WithOutputDir(t.TempDir()))
	release := cam.Block()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cam.TakePicture(ctx, models.ScreeningSteps[2]); !errors.Is(err, models.ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed on cancelled context, got %v", err)
	}
}

func TestTransformCropAndScale(t *testing.T) {
	src := SyntheticFrame(800, 400, "x")
	tests := []struct {
		name          string
		cfg           Opts
		width, height int
	}{
		{"unchanged", Opts{}, 800, 400},
		{"square crop", Opts{AspectRatio: 1}, 400, 400},
		{"portrait crop", Opts{AspectRatio: 0.5}, 200, 400},
		{"scale", Opts{MaxWidth: 200}, 200, 100},
		{"crop then scale", Opts{AspectRatio: 1, MaxWidth: 100}, 100, 100},
		{"no upscale", Opts{MaxWidth: 1600}, 800, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := transform(src, tt.cfg).Bounds()
			if b.Dx() != tt.width || b.Dy() != tt.height {
				t.Errorf("expected %dx%d, got %dx%d", tt.width, tt.height, b.Dx(), b.Dy())
			}
		})
	}
}

func TestProcessFileKeepsUntouchedImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	png.Encode(f, image.NewRGBA(image.Rect(0, 0, 30, 20)))
	f.Close()

	desc, err := processFile(path, Opts{JPEGQuality: DefaultJPEGQuality})
	if err != nil {
		t.Fatalf("processFile failed: %v", err)
	}
	if desc.Width != 30 || desc.Height != 20 || desc.URI != "file://"+path {
		t.Errorf("unexpected descriptor %+v", desc)
	}
}

func TestNewCommandCameraValidation(t *testing.T) {
	if _, err := NewCommandCamera(""); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := NewCommandCamera("libcamera-still -o out.jpg"); err == nil {
		t.Error("expected error for command without placeholder")
	}
}

func TestCommandCameraFailure(t *testing.T) {
	cam, err := NewCommandCamera("false {output}", WithOutputDir(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cam.TakePicture(context.Background(), models.ScreeningSteps[0]); !errors.Is(err, models.ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
}

func TestPathFromURI(t *testing.T) {
	if got := PathFromURI("file:///tmp/a.jpg"); got != "/tmp/a.jpg" {
		t.Errorf("unexpected path %q", got)
	}
	if got := PathFromURI("/tmp/b.jpg"); got != "/tmp/b.jpg" {
		t.Errorf("unexpected path %q", got)
	}
}
