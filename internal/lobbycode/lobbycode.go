// Package lobbycode generates, normalizes, validates, and extracts the
// 6-character human-shareable lobby identifier. Grounded in
// landoware-canasta-server's room_codes.go, generalized from a 4-char
// A-Z code to spec.md's 6-char 32-symbol alphabet.
package lobbycode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Alphabet excludes visually ambiguous characters: I, O, 0, 1.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the fixed size of every lobby code.
const Length = 6

var validPattern = regexp.MustCompile(`^[` + Alphabet + `]{6}$`)

// Generate returns a fresh code not present in used. Collisions are
// vanishingly unlikely (32^6 ≈ 1.07e9 codes) but the caller's used set is
// still authoritative.
func Generate(used map[string]bool) (string, error) {
	for {
		code, err := random()
		if err != nil {
			return "", err
		}
		if !used[code] {
			return code, nil
		}
	}
}

func random() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("CODE_GENERATION_FAILED: %w", err)
		}
		sb.WriteByte(Alphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Normalize upper-cases and trims a candidate code. It does not validate.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate reports whether code is exactly Length characters drawn from
// Alphabet, compared case-insensitively. Surrounding whitespace is not
// trimmed; call Normalize first for raw input.
func Validate(code string) error {
	if len(code) != Length {
		return fmt.Errorf("INVALID_CODE: must be exactly %d characters", Length)
	}
	if !validPattern.MatchString(strings.ToUpper(code)) {
		return fmt.Errorf("INVALID_CODE: must use only %s", Alphabet)
	}
	return nil
}

var queryCodePattern = regexp.MustCompile(`[?&]code=([^&\s]+)`)
var lastPathSegmentPattern = regexp.MustCompile(`/([^/]+)/?$`)
var alnumPattern = regexp.MustCompile(`[A-Za-z0-9]`)

// ExtractFromURL implements spec.md's extractor: prefer the `code` query
// parameter; fall back to the last path segment if it matches the code
// format; final fallback takes the last 6 alphanumerics of the cleaned
// input. Returns "", false if no code-shaped substring can be found.
func ExtractFromURL(input string) (string, bool) {
	if m := queryCodePattern.FindStringSubmatch(input); m != nil {
		candidate := Normalize(m[1])
		if Validate(candidate) == nil {
			return candidate, true
		}
	}

	if m := lastPathSegmentPattern.FindStringSubmatch(input); m != nil {
		candidate := Normalize(m[1])
		if Validate(candidate) == nil {
			return candidate, true
		}
	}

	letters := alnumPattern.FindAllString(input, -1)
	if len(letters) < Length {
		return "", false
	}
	candidate := Normalize(strings.Join(letters[len(letters)-Length:], ""))
	if Validate(candidate) == nil {
		return candidate, true
	}
	return "", false
}

// BuildURL renders a shareable join URL for code against baseURL, e.g.
// BuildURL("https://host/arcade/", "ABCD23") -> "https://host/arcade/?code=ABCD23".
func BuildURL(baseURL, code string) string {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%scode=%s", baseURL, sep, Normalize(code))
}
