package model

import "time"

const (
	RoleStudent   = "student"
	RoleParent    = "parent"
	RoleTeacher   = "teacher"
	RoleTherapist = "therapist"
	RoleAdmin     = "admin"
)

func ValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleParent, RoleTeacher, RoleTherapist, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is the system of record for an account. First name, last name and
// date of birth are stored encrypted and only decrypted on authorized reads.
type User struct {
	ID                      string
	Email                   string
	PasswordHash            string
	Role                    string
	FirstNameEnc            string
	LastNameEnc             string
	DateOfBirthEnc          *string
	RequiresParentalConsent bool
	ParentEmail             *string
	IsActive                bool
	EmailVerified           bool
	MFASecret               *string
	BackupCodeHashes        []string
	OrganizationID          *string
	TermsAcceptedAt         time.Time
	PrivacyAcceptedAt       time.Time
	LastLoginAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
	DeletedAt               *time.Time
	DeletionDueAt           *time.Time
}

// StudentProfile holds learning preferences for a student user. Created
// lazily on first write.
type StudentProfile struct {
	UserID             string
	DifficultyLevel    string
	AttentionSpan      string
	CommunicationLevel string
	SupportNeeds       []string
	Sensory            SensoryPreferences
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type SensoryPreferences struct {
	ReducedMotion    bool   `json:"reducedMotion"`
	MutedSounds      bool   `json:"mutedSounds"`
	HighContrast     bool   `json:"highContrast"`
	FontScale        string `json:"fontScale,omitempty"`
	PreferredTheme   string `json:"preferredTheme,omitempty"`
	BreakReminders   bool   `json:"breakReminders"`
	SimplifiedLayout bool   `json:"simplifiedLayout"`
}

// Registration is the validated input to user creation.
type Registration struct {
	Email           string
	PasswordHash    string
	Role            string
	FirstNameEnc    string
	LastNameEnc     string
	DateOfBirthEnc  *string
	RequiresConsent bool
	ParentEmail     *string
	IsActive        bool
	OrganizationID  *string
}

// Age computes full years between dob and now.
func Age(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	anniversary := dob.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	return years
}
