package models

import "fmt"

// Platform identifies a publish target. It is a closed set; anything else is
// rejected at the API boundary.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformX         Platform = "x"
	PlatformLinkedIn  Platform = "linkedin"
)

// ParsePlatform validates a raw platform string.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformInstagram, PlatformX, PlatformLinkedIn:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// ContentLimit returns the maximum caption length the platform accepts.
func (p Platform) ContentLimit() int {
	switch p {
	case PlatformInstagram:
		return 2200
	case PlatformX:
		return 280
	case PlatformLinkedIn:
		return 3000
	}
	return 0
}

// MediaWidth is the preferred image width for the platform's feed.
func (p Platform) MediaWidth() int {
	switch p {
	case PlatformInstagram:
		return 1080
	case PlatformX:
		return 1600
	case PlatformLinkedIn:
		return 1200
	}
	return 1080
}
