// Package parse turns raw recognized prescription text into typed fields.
// Everything here is pure and deterministic: no I/O, no engine, no errors.
// Absent matches degrade to the NotSpecified sentinel so downstream consumers
// never branch on missing fields.
package parse

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ordoscan/ordoscan/internal/entity"
)

// NotSpecified is the sentinel stored for any field no pattern matched.
const NotSpecified = "not specified"

var (
	rePatient = regexp.MustCompile(`(?i)^\s*patient\s*:?\s+(.+)$`)
	reDoctor  = regexp.MustCompile(`(?i)\b(?:docteur|doctor|dr)\.?[\s:]+([\p{L}][\p{L}\s.'-]*)`)
	reDate    = regexp.MustCompile(`\b\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}\b`)

	// a line is a medication line if it carries a dosage-like token
	reDosage    = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:mg|ml|g|mcg|ui|µg)\b`)
	reCountForm = regexp.MustCompile(`(?i)\b\d+\s*[x×]\s*\d*\s*(?:tablets?|capsules?|pills?|comprim[ée]s?|g[ée]lules?|sachets?)\b`)

	reFrequency = regexp.MustCompile(`(?i)\b(?:once|twice)(?:\s+(?:daily|a\s+day|per\s+day))?\b` +
		`|\bevery\s*\d+\s*hours?\b` +
		`|\b\d+\s*fois\s*par\s*jour\b` +
		`|\b\d+\s*times?\s*(?:a|per)\s*day\b` +
		`|\btoutes?\s*les\s*\d+\s*heures?\b`)
	reDuration = regexp.MustCompile(`(?i)\bfor\s*\d+\s*(?:days?|weeks?|months?)\b` +
		`|\bpendant\s*\d+\s*(?:jours?|semaines?|mois)\b`)
)

// Extract scans text line by line and returns the structured fields.
func Extract(text string) entity.StructuredExtraction {
	out := entity.StructuredExtraction{
		PatientName: NotSpecified,
		DoctorName:  NotSpecified,
		Date:        NotSpecified,
		Medications: []entity.MedicationLine{},
		Notes:       NotSpecified,
	}

	if d := reDate.FindString(text); d != "" {
		out.Date = d
	}

	var leftovers []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if out.PatientName == NotSpecified {
			if m := rePatient.FindStringSubmatch(line); m != nil {
				out.PatientName = strings.TrimSpace(m[1])
				continue
			}
		}

		if med, ok := parseMedicationLine(line); ok {
			out.Medications = append(out.Medications, med)
			continue
		}

		if out.DoctorName == NotSpecified {
			if m := reDoctor.FindStringSubmatch(line); m != nil {
				out.DoctorName = strings.TrimSpace(m[1])
				continue
			}
		}

		if reDate.MatchString(line) && strings.TrimSpace(reDate.ReplaceAllString(line, "")) == "" {
			continue // date-only line, already captured
		}
		leftovers = append(leftovers, line)
	}

	if len(leftovers) > 0 {
		out.Notes = strings.Join(leftovers, "\n")
	}
	return out
}

// parseMedicationLine classifies and parses one line. The medication name is
// the run of capitalized word tokens immediately before the dosage token.
func parseMedicationLine(line string) (entity.MedicationLine, bool) {
	loc := reDosage.FindStringIndex(line)
	if loc == nil {
		loc = reCountForm.FindStringIndex(line)
	}
	if loc == nil {
		return entity.MedicationLine{}, false
	}

	med := entity.MedicationLine{
		Name:      nameBeforeDosage(line[:loc[0]]),
		Dosage:    strings.TrimSpace(line[loc[0]:loc[1]]),
		Frequency: NotSpecified,
		Duration:  NotSpecified,
	}
	if f := reFrequency.FindString(line); f != "" {
		med.Frequency = strings.TrimSpace(f)
	}
	if d := reDuration.FindString(line); d != "" {
		med.Duration = strings.TrimSpace(d)
	}
	return med, true
}

// nameBeforeDosage walks backward from the dosage token collecting the
// contiguous run of capitalized word tokens.
func nameBeforeDosage(prefix string) string {
	tokens := strings.Fields(prefix)
	var run []string
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := strings.Trim(tokens[i], ",;:.()")
		if !isCapitalizedWord(tok) {
			break
		}
		run = append([]string{tok}, run...)
	}
	if len(run) > 0 {
		return strings.Join(run, " ")
	}
	if trimmed := strings.TrimSpace(prefix); trimmed != "" {
		return trimmed
	}
	return NotSpecified
}

func isCapitalizedWord(tok string) bool {
	if tok == "" {
		return false
	}
	for i, r := range tok {
		if i == 0 {
			if !unicode.IsUpper(r) {
				return false
			}
			continue
		}
		if !unicode.IsLetter(r) && r != '-' && r != '\'' {
			return false
		}
	}
	return true
}
