package audit

import (
	"strings"
	"time"
)

// Classification labels drive retention and access policy.
const (
	ClassRestricted   = "restricted"
	ClassConfidential = "confidential"
	ClassInternal     = "internal"
)

// Retention periods in days, keyed on what the entry touches.
const (
	RetentionEducational = 2555
	RetentionBehavioral  = 90
	RetentionTherapeutic = 365
	RetentionAccount     = 1095
	RetentionDefault     = 1095
)

// Entry is an immutable, append-only audit record. Enrichment fields are
// filled by Enrich before the entry is persisted.
type Entry struct {
	ID                  string         `json:"id,omitempty"`
	Action              string         `json:"action"`
	ResourceType        string         `json:"resourceType"`
	ResourceID          string         `json:"resourceId,omitempty"`
	UserID              string         `json:"userId,omitempty"`
	StudentID           string         `json:"studentId,omitempty"`
	IPAddress           string         `json:"ipAddress,omitempty"`
	UserAgent           string         `json:"userAgent,omitempty"`
	Details             map[string]any `json:"details,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
	ComplianceRelevant  bool           `json:"complianceRelevant"`
	RetentionPeriodDays int            `json:"retentionPeriodDays"`
	Classification      string         `json:"classification"`
}

var complianceActionTerms = []string{
	"student_data",
	"consent",
	"login",
	"logout",
	"password",
	"registered",
	"register",
	"grade",
	"assessment",
	"behavioral",
	"deletion",
	"mfa",
	"email_verified",
}

var sensitiveResourceTypes = map[string]bool{
	"student_record":    true,
	"assessment":        true,
	"behavioral_data":   true,
	"emotional_data":    true,
	"therapeutic_data":  true,
	"educational_data":  true,
	"user_account":      true,
	"auth":              true,
	"parental_consent":  true,
	"student_profile":   true,
	"learning_progress": true,
}

// Enrich stamps the timestamp and derives the compliance flag, retention
// period and classification from the action and resource type.
func Enrich(entry Entry, now time.Time) Entry {
	entry.Timestamp = now.UTC()
	entry.ComplianceRelevant = complianceRelevant(entry.Action, entry.ResourceType)
	entry.RetentionPeriodDays = retentionDays(entry.ResourceType)
	entry.Classification = classify(entry.ResourceType)
	return entry
}

func complianceRelevant(action, resourceType string) bool {
	lowered := strings.ToLower(action)
	for _, term := range complianceActionTerms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return sensitiveResourceTypes[resourceType]
}

func retentionDays(resourceType string) int {
	switch resourceType {
	case "educational_data", "assessment", "student_record", "learning_progress":
		return RetentionEducational
	case "behavioral_data", "emotional_data":
		return RetentionBehavioral
	case "therapeutic_data":
		return RetentionTherapeutic
	case "user_account", "auth", "parental_consent":
		return RetentionAccount
	default:
		return RetentionDefault
	}
}

func classify(resourceType string) string {
	switch resourceType {
	case "student_record", "student_profile", "behavioral_data", "emotional_data", "therapeutic_data", "educational_data", "assessment", "learning_progress":
		return ClassRestricted
	case "user_account", "auth", "parental_consent":
		return ClassConfidential
	case "system":
		return ClassInternal
	default:
		return ClassConfidential
	}
}
