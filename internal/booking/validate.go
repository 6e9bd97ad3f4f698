package booking

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrNameIncomplete = errors.New("please enter both first and last name")
	ErrNameTooShort   = errors.New("name is too short")
	ErrEmailInvalid   = errors.New("invalid e-mail address")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidateName requires at least two words and four characters.
func ValidateName(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(strings.Fields(s)) < 2 {
		return "", ErrNameIncomplete
	}
	if len(s) < 4 {
		return "", ErrNameTooShort
	}
	return s, nil
}

// ValidateEmail normalizes to lower case before matching.
func ValidateEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !emailPattern.MatchString(s) {
		return "", ErrEmailInvalid
	}
	return s, nil
}
