package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sage/internal/domain"
	"sage/internal/ports"
)

// CommandSource grabs the screen by running a screenshot tool that writes a
// PNG to stdout. grim and ImageMagick import get region-aware arguments; any
// other command line is run as given.
type CommandSource struct {
	command string
	args    []string
	region  domain.Region
}

func NewCommandSource(commandLine string, region domain.Region) (*CommandSource, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("screen capture command is empty")
	}
	source := &CommandSource{command: fields[0], region: region}
	switch filepath.Base(fields[0]) {
	case "grim":
		source.args = append(fields[1:], grimArgs(region)...)
	case "import":
		source.args = append(fields[1:], importArgs(region)...)
	default:
		source.args = fields[1:]
	}
	return source, nil
}

func grimArgs(region domain.Region) []string {
	if region.IsZero() {
		return []string{"-t", "png", "-"}
	}
	geometry := fmt.Sprintf("%d,%d %dx%d", region.X, region.Y, region.Width, region.Height)
	return []string{"-g", geometry, "-t", "png", "-"}
}

func importArgs(region domain.Region) []string {
	args := []string{"-window", "root"}
	if !region.IsZero() {
		args = append(args, "-crop", fmt.Sprintf("%dx%d+%d+%d", region.Width, region.Height, region.X, region.Y))
	}
	return append(args, "png:-")
}

func (s *CommandSource) Capture(ctx context.Context) (ports.Frame, error) {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ports.Frame{}, ctx.Err()
		}
		return ports.Frame{}, fmt.Errorf("%w: %v: %s", domain.ErrCaptureUnavailable, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return ports.Frame{}, fmt.Errorf("%w: capture produced no image", domain.ErrCaptureUnavailable)
	}
	return ports.Frame{
		Image:      stdout.Bytes(),
		Format:     "png",
		Region:     s.region,
		CapturedAt: time.Now().UTC(),
	}, nil
}

// ParseRegion reads "x,y,width,height". An empty string selects the full screen.
func ParseRegion(value string) (domain.Region, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Region{}, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return domain.Region{}, fmt.Errorf("invalid region %q: expected x,y,width,height", value)
	}
	nums := make([]int, 4)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return domain.Region{}, fmt.Errorf("invalid region %q: %w", value, err)
		}
		nums[i] = n
	}
	if nums[2] <= 0 || nums[3] <= 0 {
		return domain.Region{}, fmt.Errorf("invalid region %q: width and height must be positive", value)
	}
	return domain.Region{X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3]}, nil
}
