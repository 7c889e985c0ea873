package core

import (
	"regexp"
	"strings"

	"chartmp/server/internal/codes"
)

// roomIDPattern matches the legal character set for a room identifier:
// 1 to 20 characters of letters, digits, underscore or hyphen.
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,20}$`)

// ValidateRoomID reports whether id is a well-formed room identifier.
// A leading underscore marks a private/virtual room: it never appears in
// the public room listing and can only be joined by exact ID.
func ValidateRoomID(id string) error {
	if !roomIDPattern.MatchString(id) {
		return codes.New(codes.RoomInvalidState)
	}
	return nil
}

// IsPrivateRoomID reports whether id names a private/virtual room.
func IsPrivateRoomID(id string) bool {
	return strings.HasPrefix(id, "_")
}
