package executor

import (
	"encoding/json"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomctl/loom/pkg/models"
)

// Deliverable is one file produced or modified by an execution.
type Deliverable struct {
	// Path is the file path relative to the project work dir.
	Path string
	// Valid reports whether the file passed its syntax gate.
	Valid bool
	// Substantial reports whether the file has plausible content
	// beyond a stub.
	Substantial bool
}

// Assessment is the result of deliverable assessment after turn
// exhaustion.
type Assessment struct {
	// Files are the inspected deliverables.
	Files []Deliverable
	// Quality is the composite score in [0..1].
	Quality float64
	// Outcome is the terminal classification.
	Outcome models.Outcome
}

// AssessDeliverables inspects the files an execution produced and
// classifies the terminal outcome. This is the only producer of the
// partial and success_with_limits outcomes: hitting the turn cap with
// acceptable deliverables is not a failure. Paths that do not resolve
// to a file on disk are dropped before scoring; any file that does
// exist keeps the outcome at least partial.
func AssessDeliverables(workDir string, paths []string) Assessment {
	var files []Deliverable
	for _, p := range paths {
		if d, ok := inspectFile(workDir, p); ok {
			files = append(files, d)
		}
	}

	quality := compositeQuality(files)

	var outcome models.Outcome
	switch {
	case len(files) > 0 && quality >= 0.7:
		outcome = models.OutcomeSuccessWithLimits
	case len(files) > 0 || quality >= 0.5:
		outcome = models.OutcomePartial
	default:
		outcome = models.OutcomeFailed
	}

	return Assessment{Files: files, Quality: quality, Outcome: outcome}
}

// compositeQuality scores the deliverable set: syntax validity carries
// half the weight, file count up to five carries 0.3, and substance
// the rest.
func compositeQuality(files []Deliverable) float64 {
	if len(files) == 0 {
		return 0
	}

	valid, substantial := 0, 0
	for _, f := range files {
		if f.Valid {
			valid++
		}
		if f.Substantial {
			substantial++
		}
	}

	validRatio := float64(valid) / float64(len(files))
	countRatio := float64(len(files)) / 5.0
	if countRatio > 1 {
		countRatio = 1
	}
	substanceRatio := float64(substantial) / float64(len(files))

	return 0.5*validRatio + 0.3*countRatio + 0.2*substanceRatio
}

// inspectFile applies the per-language syntax gate where the extension
// is recognized, plus the generic substance heuristics. The second
// return is false when the path does not resolve to a readable file.
func inspectFile(workDir, path string) (Deliverable, bool) {
	d := Deliverable{Path: path}

	full := path
	if workDir != "" && !filepath.IsAbs(path) {
		full = filepath.Join(workDir, path)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return d, false
	}
	content := string(data)

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return d, true
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		fset := token.NewFileSet()
		_, err := parser.ParseFile(fset, full, data, parser.AllErrors)
		d.Valid = err == nil
	case ".json":
		d.Valid = json.Valid(data)
	default:
		// No syntax gate; non-empty passes.
		d.Valid = true
	}

	d.Substantial = substantialContent(path, trimmed)
	return d, true
}

// substantialContent applies cheap plausibility checks: length and, for
// code, the presence of declarations.
func substantialContent(path, content string) bool {
	if len(content) < 40 {
		return false
	}
	if strings.ToLower(filepath.Ext(path)) == ".go" {
		return strings.Contains(content, "func ") ||
			strings.Contains(content, "type ") ||
			strings.Contains(content, "var ") ||
			strings.Contains(content, "const ")
	}
	return len(strings.Split(content, "\n")) >= 3
}
