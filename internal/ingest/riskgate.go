// Package ingest accepts parsed emails, runs the static risk gate and fans
// the job out onto the pipeline streams.
package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

// riskyExtensions are attachment extensions that route straight to dynamic
// analysis regardless of anything else in the email.
var riskyExtensions = map[string]bool{
	".exe": true, ".scr": true, ".vbs": true, ".js": true,
	".bat": true, ".iso": true, ".dll": true, ".ps1": true,
}

const (
	riskyExtensionScore = 70
	archiveScore        = 30
	anyURLScore         = 5
	manyURLsScore       = 20
	manyURLsThreshold   = 3
	sandboxThreshold    = 50
)

// GateDecision is the outcome of the static risk gate for one email.
type GateDecision struct {
	Score           int
	NeedsSandboxing bool
	Reasons         []string
}

// Evaluate runs the static risk gate. It is a cheap pure function over the
// email's structure; the score is capped at 100 and anything above the
// sandbox threshold routes to dynamic analysis even when no single signal
// forced it.
func Evaluate(e domain.StructuredEmail) GateDecision {
	var d GateDecision

	for _, att := range e.Attachments {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		if riskyExtensions[ext] {
			d.Score += riskyExtensionScore
			d.NeedsSandboxing = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("Risky extension %s", ext))
			continue
		}
		if strings.EqualFold(att.MimeType, "application/zip") {
			d.Score += archiveScore
			d.NeedsSandboxing = true
			d.Reasons = append(d.Reasons, "Archive attachment")
		}
	}

	if n := len(e.ExtractedURLs); n > 0 {
		d.Score += anyURLScore
		if n > manyURLsThreshold {
			d.Score += manyURLsScore
			d.NeedsSandboxing = true
			d.Reasons = append(d.Reasons, "Many URLs")
		}
	}

	if d.Score > 100 {
		d.Score = 100
	}
	if d.Score > sandboxThreshold {
		d.NeedsSandboxing = true
	}
	if len(d.Reasons) == 0 {
		d.Reasons = append(d.Reasons, "Low static risk")
	}
	return d
}
