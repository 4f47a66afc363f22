package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

func TestEvaluate_CleanNewsletter(t *testing.T) {
	d := Evaluate(domain.StructuredEmail{
		Subject:       "Weekly digest",
		ExtractedURLs: []string{"https://news.example.com/issue-42"},
	})
	assert.Equal(t, 5, d.Score)
	assert.False(t, d.NeedsSandboxing)
	assert.Equal(t, []string{"Low static risk"}, d.Reasons)
}

func TestEvaluate_RiskyExtension(t *testing.T) {
	d := Evaluate(domain.StructuredEmail{
		Attachments: []domain.Attachment{
			{Filename: "Invoice.EXE", MimeType: "application/octet-stream"},
		},
	})
	assert.Equal(t, 70, d.Score)
	assert.True(t, d.NeedsSandboxing)
	assert.Contains(t, d.Reasons, "Risky extension .exe")
}

func TestEvaluate_ArchiveAttachment(t *testing.T) {
	d := Evaluate(domain.StructuredEmail{
		Attachments: []domain.Attachment{
			{Filename: "docs.zip", MimeType: "application/zip"},
		},
	})
	assert.Equal(t, 30, d.Score)
	assert.True(t, d.NeedsSandboxing)
	assert.Contains(t, d.Reasons, "Archive attachment")
}

func TestEvaluate_ManyURLs(t *testing.T) {
	d := Evaluate(domain.StructuredEmail{
		ExtractedURLs: []string{
			"https://a.example.com", "https://b.example.com",
			"https://c.example.com", "https://d.example.com",
		},
	})
	assert.Equal(t, 25, d.Score) // 5 any-URL + 20 many-URLs
	assert.True(t, d.NeedsSandboxing)
	assert.Contains(t, d.Reasons, "Many URLs")
}

func TestEvaluate_ScoreCappedAt100(t *testing.T) {
	d := Evaluate(domain.StructuredEmail{
		Attachments: []domain.Attachment{
			{Filename: "a.exe"}, {Filename: "b.scr"},
		},
	})
	assert.Equal(t, 100, d.Score)
	assert.True(t, d.NeedsSandboxing)
}

func TestEvaluate_ThresholdForcesSandboxing(t *testing.T) {
	// Two archives: 60 points, above the 50-point gate even though no
	// single signal alone would have forced dynamic analysis.
	d := Evaluate(domain.StructuredEmail{
		Attachments: []domain.Attachment{
			{Filename: "a.zip", MimeType: "application/zip"},
			{Filename: "b.zip", MimeType: "application/zip"},
		},
	})
	assert.Equal(t, 60, d.Score)
	assert.True(t, d.NeedsSandboxing)
}

func TestEvaluate_NoSignals(t *testing.T) {
	d := Evaluate(domain.StructuredEmail{Subject: "Lunch?"})
	assert.Zero(t, d.Score)
	assert.False(t, d.NeedsSandboxing)
	assert.Equal(t, []string{"Low static risk"}, d.Reasons)
}
