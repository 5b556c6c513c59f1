package codes

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxGenerationAttempts caps the suffixes tried for one code prefix.
const MaxGenerationAttempts = 300

// Prefix builds the human-readable part of a code: up to three initials from the name and the
// first three alphanumerics of the region, e.g. "Chitra Agarwal", "Mumbai" -> "CA-MUM".
func Prefix(name, region string) string {
	var initials strings.Builder
	for _, word := range strings.Fields(name) {
		for _, r := range word {
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				initials.WriteRune(unicode.ToUpper(r))
				break
			}
		}
		if initials.Len() == 3 {
			break
		}
	}
	if initials.Len() == 0 {
		initials.WriteString("X")
	}

	var reg strings.Builder
	for _, r := range region {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			reg.WriteRune(unicode.ToUpper(r))
		}
		if reg.Len() == 3 {
			break
		}
	}
	if reg.Len() == 0 {
		reg.WriteString("GEN")
	}

	return initials.String() + "-" + reg.String()
}

// Candidate returns the code for the given 1-based attempt. The suffix is zero padded to two
// digits and widens naturally past 99.
func Candidate(prefix string, attempt int) string {
	return fmt.Sprintf("%s-%02d", prefix, attempt)
}
