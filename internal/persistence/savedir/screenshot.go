package savedir

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const ScreenshotFile = "Screenshot.png"

// Screenshot is the optional preview image stored next to a save.
type Screenshot struct {
	Path  string
	Image image.Image
}

// screenshotPaths lists *.png files in dir (extension compared case-insensitively), sorted.
func screenshotPaths(dir string) []string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out
}

// FindScreenshot loads the first png in dir. It returns nil when there is none or
// it cannot be decoded; a missing screenshot never fails a load.
func FindScreenshot(dir string, opts Options) *Screenshot {
	paths := screenshotPaths(dir)
	if len(paths) == 0 {
		return nil
	}
	path := paths[0]
	f, err := os.Open(path)
	if err != nil {
		opts.logger().Warn("open screenshot", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		opts.logger().Warn("decode screenshot", zap.String("path", path), zap.Error(err))
		return nil
	}
	return &Screenshot{Path: path, Image: img}
}

// WriteScreenshot stores img as <dir>/Screenshot.png.
func WriteScreenshot(dir string, img image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ScreenshotFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}
