package helpers

// MaskValue is the default mask used for sensitive fields
const MaskValue = "***********"

// MaskIfSet hides a configured secret while still showing whether it is set.
func MaskIfSet(value string) string {
	if value == "" {
		return "(not set)"
	}
	return MaskValue
}
