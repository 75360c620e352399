package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const contentHashLength = 32

// ContentHash digests the normalized identity of an alert. Description text is
// never part of the input, so wording changes keep hashes stable.
func ContentHash(kind AlertKind, subjectRef string, values ...string) string {
	parts := make([]string, 0, len(values)+2)
	parts = append(parts, string(kind), strings.ToLower(strings.TrimSpace(subjectRef)))
	for _, v := range values {
		parts = append(parts, strings.ToLower(strings.TrimSpace(v)))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:contentHashLength]
}

func CheckSubjectRef(checkID, questionID string) string {
	return "check:" + checkID + "/question:" + questionID
}

func BrigadeDaySubjectRef(brigadeID, date string) string {
	return "brigade:" + brigadeID + "/date:" + date
}
