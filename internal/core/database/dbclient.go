package db

// Listing bounds shared by every repository implementation.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ClampLimit maps a caller supplied limit into [1, MaxListLimit], with 0 meaning the default.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
