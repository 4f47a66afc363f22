// Package intent is the semantic track of the pipeline: it classifies what
// an email is trying to get the recipient to do, and converts that intent
// into a risk score.
package intent

import (
	"context"
	"sort"
	"strings"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

// Classification is one classifier verdict: the chosen intent, how sure the
// classifier is, and the signals that drove the choice.
type Classification struct {
	Intent     domain.Intent
	Confidence float64
	Indicators []string
}

// Classifier maps an email's subject and body to an intent. Implementations
// must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, subject, body string) (Classification, error)
}

// signal is one weighted keyword pattern contributing to an intent.
type signal struct {
	pattern   string
	weight    float64
	indicator string
}

// keywordSignals drives the rule-based classifier. Threat intents carry the
// strongest patterns so they win ties against routine business traffic.
var keywordSignals = map[domain.Intent][]signal{
	domain.IntentPhishing: {
		{"verify your account", 0.5, "credential harvesting language"},
		{"confirm your password", 0.5, "credential harvesting language"},
		{"your account has been suspended", 0.45, "account suspension pressure"},
		{"click here immediately", 0.35, "urgency pressure"},
		{"unusual sign-in activity", 0.4, "fake security alert"},
	},
	domain.IntentMalware: {
		{"enable macros", 0.55, "macro lure"},
		{"open the attached invoice", 0.35, "attachment lure"},
		{"document is protected", 0.4, "protected document lure"},
	},
	domain.IntentBECFraud: {
		{"wire transfer", 0.45, "wire transfer request"},
		{"change of bank details", 0.5, "banking detail change"},
		{"urgent payment", 0.4, "urgent payment pressure"},
		{"keep this confidential", 0.35, "confidentiality pressure"},
	},
	domain.IntentSocialEngineering: {
		{"gift cards", 0.45, "gift card request"},
		{"are you available", 0.2, "availability probe"},
		{"i need a favor", 0.35, "favor pretext"},
	},
	domain.IntentReconnaissance: {
		{"out of office", 0.3, "availability probing"},
		{"who handles", 0.3, "org structure probing"},
	},
	domain.IntentInvoice: {
		{"invoice", 0.4, "invoice reference"},
		{"amount due", 0.35, "amount due"},
		{"payment due", 0.3, "payment due date"},
	},
	domain.IntentPayment: {
		{"payment received", 0.4, "payment confirmation"},
		{"receipt", 0.3, "receipt reference"},
	},
	domain.IntentMeetingRequest: {
		{"schedule a meeting", 0.5, "meeting request"},
		{"calendar invite", 0.45, "calendar reference"},
		{"are you free", 0.3, "availability question"},
	},
	domain.IntentTaskRequest: {
		{"could you please", 0.3, "task language"},
		{"action required", 0.25, "action request"},
	},
	domain.IntentFollowUp: {
		{"following up", 0.5, "follow-up language"},
		{"just checking in", 0.45, "check-in language"},
	},
	domain.IntentSupport: {
		{"support ticket", 0.5, "ticket reference"},
		{"issue with", 0.25, "problem report"},
	},
	domain.IntentSales: {
		{"special offer", 0.4, "promotional language"},
		{"limited time", 0.3, "scarcity language"},
		{"demo", 0.25, "product demo"},
	},
	domain.IntentNewsletter: {
		{"unsubscribe", 0.5, "unsubscribe link"},
		{"newsletter", 0.45, "newsletter reference"},
		{"weekly digest", 0.4, "digest format"},
	},
	domain.IntentSpam: {
		{"you have won", 0.5, "prize lure"},
		{"viagra", 0.5, "pharma spam"},
		{"crypto investment", 0.4, "investment spam"},
	},
	domain.IntentPersonal: {
		{"happy birthday", 0.5, "personal greeting"},
		{"see you tonight", 0.4, "personal plan"},
	},
}

// signalOrder fixes the iteration order over keywordSignals so ties between
// intents with equal score and equal base risk resolve the same way on every
// run.
var signalOrder = func() []domain.Intent {
	intents := make([]domain.Intent, 0, len(keywordSignals))
	for intent := range keywordSignals {
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i] < intents[j] })
	return intents
}()

// KeywordClassifier is a deterministic rule-based classifier. It scores every
// intent by its matched signals and picks the highest-scoring one; an email
// matching nothing classifies as unknown with low confidence.
type KeywordClassifier struct{}

// NewKeywordClassifier creates the rule-based classifier.
func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

// Classify scores the subject and body against the signal table.
func (c *KeywordClassifier) Classify(_ context.Context, subject, body string) (Classification, error) {
	text := strings.ToLower(subject + "\n" + body)

	best := Classification{Intent: domain.IntentUnknown, Confidence: 0.3}
	for _, intent := range signalOrder {
		var score float64
		var indicators []string
		for _, s := range keywordSignals[intent] {
			if strings.Contains(text, s.pattern) {
				score += s.weight
				indicators = append(indicators, s.indicator)
			}
		}
		if score == 0 {
			continue
		}
		if score > 0.95 {
			score = 0.95
		}
		if score > best.Confidence || (score == best.Confidence && domain.BaseRisk(intent) > domain.BaseRisk(best.Intent)) {
			best = Classification{Intent: intent, Confidence: score, Indicators: indicators}
		}
	}
	return best, nil
}
