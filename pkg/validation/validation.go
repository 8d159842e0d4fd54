package validation

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateRoomID checks a room identifier for length and charset.
func ValidateRoomID(id string) error {
	return validateID("room_id", id, 100)
}

// ValidatePeerID checks a peer identifier for length and charset.
func ValidatePeerID(id string) error {
	return validateID("peer_id", id, 100)
}

func validateID(field, id string, maxLen int) error {
	if id == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%s must be at most %d characters", field, maxLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", field)
	}
	return nil
}
