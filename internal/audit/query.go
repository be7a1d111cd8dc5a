package audit

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownRegime = errors.New("unknown compliance regime")

// Query filters the audit trail for compliance reporting.
type Query struct {
	UserID             string
	StudentID          string
	Action             string
	ResourceType       string
	Start              time.Time
	End                time.Time
	ComplianceRelevant *bool
	Limit              int
}

// Report summarizes audit activity for one regulatory regime over a
// date range.
type Report struct {
	Regime           string         `json:"regime"`
	PeriodStart      time.Time      `json:"periodStart"`
	PeriodEnd        time.Time      `json:"periodEnd"`
	GeneratedAt      time.Time      `json:"generatedAt"`
	TotalEntries     int            `json:"totalEntries"`
	ByAction         map[string]int `json:"byAction"`
	ByClassification map[string]int `json:"byClassification"`
	Entries          []Entry        `json:"entries"`
}

var regimeResourceTypes = map[string][]string{
	// FERPA covers educational records.
	"ferpa": {"student_record", "educational_data", "assessment", "learning_progress", "student_profile"},
	// COPPA covers accounts and consent for children under 13.
	"coppa": {"user_account", "parental_consent", "auth"},
	// GDPR covers any personal data processing.
	"gdpr": {},
}

// Reporter builds compliance reports from the durable audit store.
type Reporter struct {
	store EntryStore
}

func NewReporter(store EntryStore) *Reporter {
	return &Reporter{store: store}
}

func (r *Reporter) Query(ctx context.Context, query Query) ([]Entry, error) {
	if query.Limit <= 0 || query.Limit > 1000 {
		query.Limit = 1000
	}
	return r.store.QueryAuditEntries(ctx, query)
}

// GenerateReport collects compliance-relevant entries for the regime's
// resource types over [start, end] and aggregates counts.
func (r *Reporter) GenerateReport(ctx context.Context, regime string, start, end time.Time) (Report, error) {
	resourceTypes, ok := regimeResourceTypes[regime]
	if !ok {
		return Report{}, ErrUnknownRegime
	}

	relevant := true
	base := Query{Start: start, End: end, ComplianceRelevant: &relevant, Limit: 1000}

	var entries []Entry
	if len(resourceTypes) == 0 {
		found, err := r.store.QueryAuditEntries(ctx, base)
		if err != nil {
			return Report{}, err
		}
		entries = found
	} else {
		for _, resourceType := range resourceTypes {
			query := base
			query.ResourceType = resourceType
			found, err := r.store.QueryAuditEntries(ctx, query)
			if err != nil {
				return Report{}, err
			}
			entries = append(entries, found...)
		}
	}

	report := Report{
		Regime:           regime,
		PeriodStart:      start,
		PeriodEnd:        end,
		GeneratedAt:      time.Now().UTC(),
		TotalEntries:     len(entries),
		ByAction:         map[string]int{},
		ByClassification: map[string]int{},
		Entries:          entries,
	}
	for _, entry := range entries {
		report.ByAction[entry.Action]++
		report.ByClassification[entry.Classification]++
	}
	return report, nil
}
