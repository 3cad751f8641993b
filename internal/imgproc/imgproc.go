package imgproc

import (
	"fmt"
	"os"

	"github.com/disintegration/imaging"
)

// maxDimension caps either side of a prescription scan before it is sent to
// the vision model.
const maxDimension = 2000

// Normalizer prepares prescription scans for text extraction: orientation
// fix, downscale, grayscale, contrast boost and a light sharpen.
type Normalizer struct {
	workDir string
}

func NewNormalizer(workDir string) *Normalizer {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Normalizer{workDir: workDir}
}

// Normalize writes a cleaned-up JPEG copy of the image at srcPath and returns
// its path. The caller owns the returned file and must remove it. Any failure
// leaves the source untouched and is reported to the caller, which can fall
// back to the original image.
func (n *Normalizer) Normalize(srcPath string) (string, error) {
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}

	img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	img = imaging.Grayscale(img)
	img = imaging.AdjustContrast(img, 30)
	img = imaging.Sharpen(img, 1.5)

	out, err := os.CreateTemp(n.workDir, "rx-normalized-*.jpg")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	outPath := out.Name()

	if err := imaging.Encode(out, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", fmt.Errorf("encode image: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return "", err
	}
	return outPath, nil
}
