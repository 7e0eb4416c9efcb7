package ocr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	reDosage = regexp.MustCompile(`(?i)\d+\s*(mg|ml|g|mcg|ui|µg)\b`)
	reDateTk = regexp.MustCompile(`\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}`)
	reDoctor = regexp.MustCompile(`(?i)\b(dr\.?|docteur|doctor)\b`)
)

// tsvConfidence runs tesseract in TSV mode and returns the mean word
// confidence in 0..100. A zero return with warnings means the probe failed;
// the heuristic alone is used then.
func (e *Engine) tsvConfidence(ctx context.Context, path, lang string) (float32, []string) {
	args := []string{path, "stdout", "-l", lang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", fmt.Sprintf("%d", e.cfg.PSM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return 0, []string{"tsv confidence probe failed: " + truncate(string(errb), 512)}
	}

	lines := strings.Split(string(out), "\n")
	var sum, n float64
	for i, ln := range lines {
		if i == 0 || len(ln) == 0 {
			continue // header
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := cols[len(cols)-2]
		word := strings.TrimSpace(cols[len(cols)-1])
		if word == "" || confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return float32(sum / n), nil
}

// heuristicConfidence scores the decoded text by the prescription artifacts it
// contains (dosage tokens, a date, a doctor label, enough content). 0..100.
func heuristicConfidence(txt string) float32 {
	score := float32(20)
	if reDosage.MatchString(txt) {
		score += 30
	}
	if reDateTk.MatchString(txt) {
		score += 15
	}
	if reDoctor.MatchString(txt) {
		score += 15
	}
	if len(txt) > 120 {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// blendConfidence weighs the engine's own word confidence above the text
// heuristic when both are available.
func blendConfidence(tsv, heur float32) float32 {
	var conf float32
	if tsv > 0 {
		conf = 0.7*tsv + 0.3*heur
	} else {
		conf = heur
	}
	if conf > 100 {
		conf = 100
	}
	return conf
}
