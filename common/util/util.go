package util

// Cursor palette; a user keeps the same color across reconnects because the
// index is derived from the user id alone.
var userColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E2", "#F8B739", "#52B788",
}

// UserColor returns the stable display color for a user id.
func UserColor(userID string) string {
	sum := 0
	for _, c := range []byte(userID) {
		sum += int(c)
	}
	return userColors[sum%len(userColors)]
}
