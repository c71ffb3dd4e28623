package encoding

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 converts WIN1252 bytes (common in Firebird legacy DBs) to a UTF-8
// string and trims CHAR column padding.
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	// Attempt to decode using Windows-1252 charmap
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: return raw string if decoding fails (better than crashing)
		return string(b)
	}

	return strings.TrimSpace(string(decoded))
}
