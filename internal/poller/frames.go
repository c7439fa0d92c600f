package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// DirectoryFrames replays the images of a directory in name order, looping
// forever.
type DirectoryFrames struct {
	files []string
	next  int
	mu    sync.Mutex
}

// NewDirectoryFrames collects .jpg, .jpeg and .png files from dir.
func NewDirectoryFrames(dir string) (*DirectoryFrames, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(files)

	return &DirectoryFrames{files: files}, nil
}

func (d *DirectoryFrames) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	path := d.files[d.next%len(d.files)]
	d.next++
	d.mu.Unlock()

	return os.ReadFile(path)
}

// Len returns the number of images replayed.
func (d *DirectoryFrames) Len() int {
	return len(d.files)
}

// CameraFrames grabs frames from a capture device and JPEG encodes them.
type CameraFrames struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	mu      sync.Mutex
}

// OpenCamera opens a device id ("0") or a stream/file URL.
func OpenCamera(device string) (*CameraFrames, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device %s: %w", device, err)
	}
	return &CameraFrames{capture: capture, mat: gocv.NewMat()}, nil
}

func (c *CameraFrames) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.capture.Read(&c.mat); !ok {
		return nil, errors.New("capture device closed")
	}
	if c.mat.Empty() {
		return nil, errors.New("captured frame is empty")
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	frame := make([]byte, len(buf.GetBytes()))
	copy(frame, buf.GetBytes())
	return frame, nil
}

// Close releases the device.
func (c *CameraFrames) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mat.Close()
	return c.capture.Close()
}
