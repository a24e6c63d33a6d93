// Package gstin validates GST identification numbers (GSTINs).
//
// A GSTIN is 15 characters: a 2-digit state code, the 10-character PAN of
// the registrant, an entity number, the letter Z, and a mod-36 check
// character computed over the first 14 characters.
package gstin

import (
	"regexp"
	"strings"
)

var pattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Normalize upper-cases and trims a raw GSTIN string.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Valid reports whether s is a structurally valid GSTIN with a correct
// check character. It does not verify registration against the GST portal.
func Valid(s string) bool {
	s = Normalize(s)
	if !pattern.MatchString(s) {
		return false
	}
	if sc := stateCode(s); sc < 1 || sc > 38 {
		return false
	}
	return s[14] == checkChar(s[:14])
}

// StateCode returns the 2-digit state code prefix, or "" for malformed
// input.
func StateCode(s string) string {
	s = Normalize(s)
	if len(s) != 15 {
		return ""
	}
	return s[:2]
}

func stateCode(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}

// checkChar computes the mod-36 check character over the 14-character
// payload: characters map to 0-35, factors alternate 1 and 2, and each
// product contributes its base-36 digit sum.
func checkChar(payload string) byte {
	sum := 0
	factor := 1
	for i := 0; i < len(payload); i++ {
		value := strings.IndexByte(alphabet, payload[i])
		if value < 0 {
			return 0
		}
		product := value * factor
		sum += product/36 + product%36
		if factor == 1 {
			factor = 2
		} else {
			factor = 1
		}
	}
	return alphabet[(36-sum%36)%36]
}
