package services

import (
	"strings"

	"github.com/google/uuid"
)

// CopyScanPrefix marks a scanned string as a physical copy label.
const CopyScanPrefix = "COPY-"

// ParseCopyScan extracts the copy id from a scanned label such as
// "COPY-6f1c...". Surrounding whitespace and the prefix case are ignored.
// Whether the copy exists is left to the allocator.
func ParseCopyScan(raw string) (uuid.UUID, error) {
	s := strings.TrimSpace(raw)
	if len(s) <= len(CopyScanPrefix) || !strings.EqualFold(s[:len(CopyScanPrefix)], CopyScanPrefix) {
		return uuid.Nil, ErrMalformedScan
	}
	id, err := uuid.Parse(s[len(CopyScanPrefix):])
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrMalformedScan
	}
	return id, nil
}

// FormatCopyScan renders the label printed on a copy.
func FormatCopyScan(copyID uuid.UUID) string {
	return CopyScanPrefix + copyID.String()
}
