package scanning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// minOCRHeight is the height below which images are upscaled before recognition
const minOCRHeight = 1200

// TesseractConfig configures the local tesseract backend
type TesseractConfig struct {
	Binary      string // default "tesseract"
	Language    string // default "spa"
	PSM         int    // default 6, a uniform block of text
	TessdataDir string
}

// Tesseract implements the Backend interface by running the tesseract CLI.
// It produces RawText; structuring is left to the heuristic parser.
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
}

// NewTesseract creates a tesseract backend that shells out to the configured binary
func NewTesseract(cfg TesseractConfig) (*Tesseract, error) {
	return newTesseract(cfg, execRunner{})
}

func newTesseract(cfg TesseractConfig, runner Runner) (*Tesseract, error) {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "spa"
	}
	if cfg.PSM <= 0 {
		cfg.PSM = 6
	}
	return &Tesseract{cfg: cfg, runner: runner}, nil
}

// Name returns the backend name
func (t *Tesseract) Name() string { return "tesseract" }

// Analyze preprocesses the image, runs tesseract in TSV mode and groups words into lines
func (t *Tesseract) Analyze(ctx context.Context, img Image) (Outcome, error) {
	path, cleanup, err := t.preprocess(img)
	if err != nil {
		return nil, fail(t.Name(), Permanent, err)
	}
	defer cleanup()

	args := []string{path, "stdout", "-l", t.cfg.Language, "--psm", strconv.Itoa(t.cfg.PSM)}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		kind := Permanent
		var notFound *exec.Error
		if ctx.Err() != nil || errors.As(err, &notFound) {
			kind = Transient
		}
		return nil, fail(t.Name(), kind, fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), maxErrorBody)))
	}

	lines := parseTSV(string(out))
	if len(lines) == 0 {
		return nil, fail(t.Name(), Permanent, fmt.Errorf("no text recognized"))
	}
	return RawText{Lines: lines}, nil
}

// preprocess writes a grayscale, contrast-boosted and sharpened PNG to a temp file
func (t *Tesseract) preprocess(img Image) (string, func(), error) {
	src, err := toImage(img)
	if err != nil {
		return "", func() {}, err
	}

	gray := imaging.Grayscale(src)
	if gray.Bounds().Dy() < minOCRHeight {
		gray = imaging.Resize(gray, 0, minOCRHeight, imaging.Lanczos)
	}
	gray = imaging.AdjustContrast(gray, 20)
	gray = imaging.Sharpen(gray, 1.0)

	tmp, err := os.CreateTemp("", "receipt-ocr-*.png")
	if err != nil {
		return "", func() {}, fmt.Errorf("creating temp file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	cleanup := func() { _ = os.Remove(path) }

	if err := imaging.Save(gray, path); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("writing preprocessed image: %w", err)
	}
	return path, cleanup, nil
}

type tsvKey struct {
	page, block, par, line string
}

// parseTSV groups word rows by (page, block, paragraph, line). Line confidence
// is the mean word confidence scaled to 0..1.
func parseTSV(out string) []Line {
	var (
		order []tsvKey
		words = map[tsvKey][]string{}
		sums  = map[tsvKey]float64{}
		count = map[tsvKey]int{}
	)

	for i, row := range strings.Split(out, "\n") {
		if i == 0 || strings.TrimSpace(row) == "" {
			continue
		}
		cols := strings.Split(strings.TrimRight(row, "\r"), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}

		key := tsvKey{cols[1], cols[2], cols[3], cols[4]}
		if _, seen := words[key]; !seen {
			order = append(order, key)
		}
		words[key] = append(words[key], text)
		if conf, err := strconv.ParseFloat(cols[10], 64); err == nil && conf >= 0 {
			sums[key] += conf
			count[key]++
		}
	}

	lines := make([]Line, 0, len(order))
	for _, key := range order {
		var conf float64
		if count[key] > 0 {
			conf = sums[key] / float64(count[key]) / 100
		}
		lines = append(lines, Line{Text: strings.Join(words[key], " "), Confidence: conf})
	}
	return lines
}

// Close is a no-op; nothing is held between calls
func (t *Tesseract) Close() error {
	return nil
}
