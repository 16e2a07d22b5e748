package session

import "strings"

const (
	LandingPath = "/"
	roomPrefix  = "/room/"
)

func RoomPath(roomID string) string {
	return roomPrefix + roomID
}

// ParsePath returns the room id of a room path. ok is false for the landing
// path and anything unrecognized.
func ParsePath(path string) (roomID string, ok bool) {
	roomID, found := strings.CutPrefix(path, roomPrefix)
	if !found || roomID == "" || strings.Contains(roomID, "/") {
		return "", false
	}
	return roomID, true
}
