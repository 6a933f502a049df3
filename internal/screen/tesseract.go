package screen

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"sage/internal/domain"
	"sage/internal/ports"
)

// TesseractExtractor runs the tesseract CLI in TSV mode and derives a
// confidence from the per-word scores.
type TesseractExtractor struct {
	command  string
	language string
}

func NewTesseractExtractor(command string, language string) *TesseractExtractor {
	if command == "" {
		command = "tesseract"
	}
	if language == "" {
		language = "eng"
	}
	return &TesseractExtractor{command: command, language: language}
}

func (e *TesseractExtractor) Extract(ctx context.Context, frame ports.Frame) (ports.Extraction, error) {
	if len(frame.Image) == 0 {
		return ports.Extraction{}, fmt.Errorf("%w: empty frame", domain.ErrExtraction)
	}

	cmd := exec.CommandContext(ctx, e.command, "stdin", "stdout", "-l", e.language, "tsv")
	cmd.Stdin = bytes.NewReader(frame.Image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ports.Extraction{}, ctx.Err()
		}
		return ports.Extraction{}, fmt.Errorf("%w: %v: %s", domain.ErrExtraction, err, strings.TrimSpace(stderr.String()))
	}
	return parseTSV(stdout.Bytes())
}

type lineKey struct {
	block, par, line int
}

// parseTSV joins level-5 word rows into lines and averages the non-negative
// word confidences, scaled to [0,1].
func parseTSV(data []byte) (ports.Extraction, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		order   []lineKey
		lines   = map[lineKey][]string{}
		confSum float64
		words   int
		header  = true
	)
	for scanner.Scan() {
		if header {
			header = false
			if strings.HasPrefix(scanner.Text(), "level") {
				continue
			}
		}
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		key := lineKey{atoi(cols[2]), atoi(cols[3]), atoi(cols[4])}
		if _, ok := lines[key]; !ok {
			order = append(order, key)
		}
		lines[key] = append(lines[key], text)
		confSum += conf
		words++
	}
	if err := scanner.Err(); err != nil {
		return ports.Extraction{}, fmt.Errorf("%w: read tsv: %v", domain.ErrExtraction, err)
	}
	if words == 0 {
		return ports.Extraction{}, nil
	}

	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, strings.Join(lines[key], " "))
	}
	confidence := confSum / float64(words) / 100
	if confidence > 1 {
		confidence = 1
	}
	return ports.Extraction{Text: strings.Join(out, "\n"), Confidence: confidence}, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
