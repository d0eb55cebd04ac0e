package attendance

import "strings"

// Markers appended to a session's task log. They are the human-readable audit
// trail of the Provenance field and are kept verbatim across appends.
const (
	OverrideApprovedMarker = "[SCHEDULE OVERRIDE APPROVED]"
	AdminCorrectedMarker   = "[ADMIN CORRECTED]"
	AutoClosedMarker       = "[AUTO TIME-OUT]"
)

// Phrasings written by earlier releases before Provenance existed.
var (
	legacyAdminMarkers = []string{
		AdminCorrectedMarker,
		"Admin correction:",
		"[CORRECTED BY ADMIN]",
	}
	legacyOverrideMarkers = []string{
		OverrideApprovedMarker,
		"Schedule override approved",
		"[EARLY ARRIVAL APPROVED]",
	}
)

// ClassifyProvenance returns the session's provenance. The explicit field
// wins; sessions stored as NORMAL (or with no value) fall back to the task
// log markers so that rows written before the field existed classify the
// same way.
func ClassifyProvenance(s Session) Provenance {
	if s.Provenance == ProvenanceAdminCorrected || s.Provenance == ProvenanceOverrideApproved {
		return s.Provenance
	}
	if containsAny(s.TaskLog, legacyAdminMarkers) {
		return ProvenanceAdminCorrected
	}
	if containsAny(s.TaskLog, legacyOverrideMarkers) {
		return ProvenanceOverrideApproved
	}
	return ProvenanceNormal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// appendLog joins a new paragraph to an existing task log.
func appendLog(log, text string) string {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return log
	case strings.TrimSpace(log) == "":
		return text
	default:
		return log + "\n" + text
	}
}
