package alerts

import (
	"fmt"
	"sort"
	"strings"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
)

type Params struct {
	AlertThreshold        float64
	HighSeverityThreshold float64
	FeatureReportScore    float64
}

func ParamsFrom(d config.DetectionConfig) Params {
	return Params{
		AlertThreshold:        d.AlertThreshold,
		HighSeverityThreshold: d.HighSeverityThreshold,
		FeatureReportScore:    d.FeatureReportScore,
	}
}

type Decision struct {
	Raise       bool
	Severity    model.Severity
	Description string
}

// Decide raises on a high overall score or on any context flag, whatever the
// score.
func Decide(a model.Analysis, p Params) Decision {
	if a.OverallScore <= p.AlertThreshold && !a.Flags.Any() {
		return Decision{}
	}
	sev := model.SeverityMedium
	if a.OverallScore > p.HighSeverityThreshold {
		sev = model.SeverityHigh
	}
	return Decision{Raise: true, Severity: sev, Description: Describe(a, p)}
}

// Describe renders the alert justification. Output depends only on the
// analysis, features are listed by name.
func Describe(a model.Analysis, p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unusual behavior detected for user %s:\n", a.UserID)
	fmt.Fprintf(&b, "Overall anomaly score: %.2f\n", a.OverallScore)
	b.WriteString("Anomalous features:")
	names := make([]string, 0, len(a.FeatureScores))
	for name, score := range a.FeatureScores {
		if score > p.FeatureReportScore {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n- %s: %.2f", name, a.FeatureScores[name])
	}
	if a.Flags.MultipleIPs {
		b.WriteString("\n- Multiple IP addresses used in a short time window")
	}
	if a.Flags.UnusualResource {
		b.WriteString("\n- Access to unusual resources detected")
	}
	return b.String()
}

func describeAccess(token model.Honeytoken, access model.HoneytokenAccess) string {
	who := access.UserID
	if who == "" {
		who = "unknown user"
	}
	from := access.IPAddress
	if from == "" {
		from = "unknown address"
	}
	return fmt.Sprintf("Honeytoken %q (%s) at %s accessed by %s from %s",
		token.Name, token.Type, token.Location, who, from)
}
