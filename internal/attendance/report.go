package attendance

import (
	"math"

	"rollcall/internal/model"
)

// Rate is the rounded percentage of records marked present, 0 for an
// empty slice. Pure; callers fetch the records.
func Rate(records []model.AttendanceRecord) int {
	if len(records) == 0 {
		return 0
	}
	present := 0
	for _, record := range records {
		if record.Status == model.StatusPresent {
			present++
		}
	}
	return int(math.Round(100 * float64(present) / float64(len(records))))
}

type RosterEntry struct {
	Student model.Student
	Present bool
}

// Roster derives the per-student view for a session: a student is
// present exactly when a present record exists. Absence is computed,
// never stored.
func Roster(students []model.Student, records []model.AttendanceRecord) []RosterEntry {
	present := make(map[string]bool, len(records))
	for _, record := range records {
		if record.Status == model.StatusPresent {
			present[record.StudentID] = true
		}
	}
	entries := make([]RosterEntry, 0, len(students))
	for _, student := range students {
		entries = append(entries, RosterEntry{Student: student, Present: present[student.ID]})
	}
	return entries
}
