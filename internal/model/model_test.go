package model

import (
	"testing"
	"time"
)

func TestAge(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		dob  time.Time
		want int
	}{
		{time.Date(2014, 6, 15, 0, 0, 0, 0, time.UTC), 12},
		{time.Date(2014, 6, 16, 0, 0, 0, 0, time.UTC), 11},
		{time.Date(2013, 6, 14, 0, 0, 0, 0, time.UTC), 13},
		{time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), 26},
	}
	for _, tc := range cases {
		if got := Age(tc.dob, now); got != tc.want {
			t.Fatalf("Age(%v) = %d, want %d", tc.dob, got, tc.want)
		}
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range []string{RoleStudent, RoleParent, RoleTeacher, RoleTherapist, RoleAdmin} {
		if !ValidRole(role) {
			t.Fatalf("%s should be valid", role)
		}
	}
	for _, role := range []string{"", "superuser", "Student"} {
		if ValidRole(role) {
			t.Fatalf("%q should be invalid", role)
		}
	}
}
