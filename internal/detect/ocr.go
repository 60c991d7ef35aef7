package detect

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/technosupport/kvs-infer/internal/frames"
)

// OCREngine recognises text in a cropped plate image.
type OCREngine interface {
	Name() string
	Recognize(crop *frames.Frame) (text string, conf float64, err error)
}

// OCRFactory builds an engine for a language code.
type OCRFactory func(lang string) (OCREngine, error)

var (
	ocrMu       sync.RWMutex
	ocrRegistry = map[string]OCRFactory{}
)

// RegisterOCR adds an OCR engine factory under a selector name.
func RegisterOCR(name string, f OCRFactory) {
	ocrMu.Lock()
	defer ocrMu.Unlock()
	ocrRegistry[name] = f
}

// NewOCREngine builds an engine from its selector.
func NewOCREngine(name, lang string) (OCREngine, error) {
	ocrMu.RLock()
	f, ok := ocrRegistry[name]
	ocrMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ocr engine %q not registered", name)
	}
	return f(lang)
}

func init() {
	RegisterOCR("tesseract", func(lang string) (OCREngine, error) {
		return &tesseractEngine{lang: lang}, nil
	})
}

// tesseractEngine shells out to the tesseract binary, feeding the crop as
// JPEG on stdin and parsing the TSV output for per-word confidences.
type tesseractEngine struct {
	lang string
}

func (e *tesseractEngine) Name() string { return "tesseract" }

func (e *tesseractEngine) Recognize(crop *frames.Frame) (string, float64, error) {
	var input bytes.Buffer
	if err := jpeg.Encode(&input, crop.ToImage(), &jpeg.Options{Quality: 95}); err != nil {
		return "", 0, fmt.Errorf("encode crop: %w", err)
	}

	// psm 7: treat the crop as a single text line.
	cmd := exec.Command("tesseract", "stdin", "stdout", "-l", e.lang, "--psm", "7", "tsv")
	cmd.Stdin = &input
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", 0, fmt.Errorf("run tesseract: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	text, conf := parseTesseractTSV(stdout.String())
	return text, conf, nil
}

// parseTesseractTSV concatenates recognised words and averages their
// confidences, scaled to [0,1]. Rows with conf <= 0 are headers or layout
// markers and are skipped.
func parseTesseractTSV(out string) (string, float64) {
	var words []string
	var confSum float64

	for i, line := range strings.Split(out, "\n") {
		if i == 0 { // header row
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf <= 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		words = append(words, word)
		confSum += conf / 100.0
	}

	if len(words) == 0 {
		return "", 0
	}
	return strings.Join(words, ""), confSum / float64(len(words))
}
