package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/util"
)

// OutputPlaceholder is replaced with the target file path in capture commands.
const OutputPlaceholder = "{output}"

// CommandCamera runs an external still-capture command such as
// "libcamera-still -n -o {output}".
type CommandCamera struct {
	args []string
	cfg  Opts

	// mu serializes access to the camera device.
	mu sync.Mutex
}

// NewCommandCamera parses command and returns a CommandCamera.
func NewCommandCamera(command string, opts ...Option) (*CommandCamera, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("camera command cannot be empty")
	}
	if !strings.Contains(command, OutputPlaceholder) {
		return nil, fmt.Errorf("camera command must contain %s", OutputPlaceholder)
	}
	cfg := buildOpts(opts)
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create camera output dir: %w", err)
	}
	return &CommandCamera{args: args, cfg: cfg}, nil
}

// TakePicture runs the capture command and post-processes its output.
func (c *CommandCamera) TakePicture(ctx context.Context, step models.ScreeningStep) (models.ImageDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.cfg.OutputDir, fmt.Sprintf("%s_%s.jpg", step.UploadField, util.GenerateCaptureID()))
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = strings.ReplaceAll(a, OutputPlaceholder, path)
	}

	slog.Debug("CommandCamera.TakePicture: running capture", "step", step.Label(), "command", args[0])
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("%w: %s: %v: %s", models.ErrCaptureFailed, args[0], err, strings.TrimSpace(string(out)))
	}

	desc, err := processFile(path, c.cfg)
	if err != nil {
		return models.ImageDescriptor{}, fmt.Errorf("%w: %v", models.ErrCaptureFailed, err)
	}
	slog.Info("CommandCamera.TakePicture: captured", "step", step.Label(), "width", desc.Width, "height", desc.Height)
	return desc, nil
}
