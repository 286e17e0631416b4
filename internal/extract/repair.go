package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Soft JSON repair covers the malformations seen in real embedded payloads:
// trailing commas, smart quotes, bare object keys, stray control characters.
// It is best-effort string surgery and can mangle content that legitimately
// contains these patterns inside strings; callers only apply it after a
// strict parse has already failed, and discard the result if it still does
// not parse.
var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	controlCharRe   = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")
	singleQuoteRe   = regexp.MustCompile(`'([^'"\\]*)'`)
)

var smartQuotes = strings.NewReplacer(
	"“", `"`, // left double
	"”", `"`, // right double
	"‘", "'", // left single
	"’", "'", // right single
)

// SoftRepair applies the repair heuristics to s. It does not validate the
// result; use ParseJSONLoose for parse-with-fallback behavior.
func SoftRepair(s string) string {
	s = controlCharRe.ReplaceAllString(s, "")
	s = smartQuotes.Replace(s)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = bareKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = singleQuoteRe.ReplaceAllString(s, `"$1"`)
	return s
}

// ParseJSONLoose parses s as JSON, falling back to one soft-repair pass when
// strict parsing fails. An error means both passes failed and the payload
// should be skipped.
func ParseJSONLoose(s string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	repaired := SoftRepair(s)
	var rv interface{}
	if err := json.Unmarshal([]byte(repaired), &rv); err != nil {
		return nil, err
	}
	return rv, nil
}
