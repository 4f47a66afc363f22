package domain

// Intent is the classification taxonomy for email intent.
type Intent string

const (
	IntentMeetingRequest    Intent = "meeting_request"
	IntentTaskRequest       Intent = "task_request"
	IntentFollowUp          Intent = "follow_up"
	IntentInvoice           Intent = "invoice"
	IntentPayment           Intent = "payment"
	IntentSupport           Intent = "support"
	IntentSales             Intent = "sales"
	IntentNewsletter        Intent = "newsletter"
	IntentSpam              Intent = "spam"
	IntentPersonal          Intent = "personal"
	IntentPhishing          Intent = "phishing"
	IntentMalware           Intent = "malware"
	IntentSocialEngineering Intent = "social_engineering"
	IntentBECFraud          Intent = "bec_fraud"
	IntentReconnaissance    Intent = "reconnaissance"
	IntentUnknown           Intent = "unknown"
)

// baseRisk maps each intent to a base risk score (0-100). Security threats
// score high, routine business traffic scores low, unknown sits at neutral 50.
var baseRisk = map[Intent]int{
	IntentPhishing:          95,
	IntentMalware:           98,
	IntentSocialEngineering: 90,
	IntentBECFraud:          95,
	IntentReconnaissance:    75,
	IntentSpam:              60,
	IntentInvoice:           40,
	IntentPayment:           45,
	IntentSales:             30,
	IntentMeetingRequest:    15,
	IntentTaskRequest:       15,
	IntentFollowUp:          10,
	IntentSupport:           20,
	IntentNewsletter:        25,
	IntentPersonal:          10,
	IntentUnknown:           50,
}

// BaseRisk returns the base risk score for an intent. Unrecognized intents
// fall back to the neutral unknown score.
func BaseRisk(i Intent) int {
	if s, ok := baseRisk[i]; ok {
		return s
	}
	return baseRisk[IntentUnknown]
}

// RiskScore blends the intent's base risk with classification confidence.
// Low confidence pulls the score toward neutral 50; full confidence keeps
// the base score. The result is rounded to the nearest integer.
func RiskScore(i Intent, confidence float64) int {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	base := float64(BaseRisk(i))
	return int(base*confidence + 50*(1-confidence) + 0.5)
}

// Valid reports whether the intent is part of the taxonomy.
func (i Intent) Valid() bool {
	_, ok := baseRisk[i]
	return ok
}
