package session

import (
	"errors"
	"regexp"
)

// ErrInvalidID rejects ids that could escape the sessions directory or
// collide across platforms.
var ErrInvalidID = errors.New("session: id must match ^[a-z0-9_-]{1,64}$")

var idPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateID checks a session id before any filesystem or store use.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}
