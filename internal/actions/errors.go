package actions

import "fmt"

// MissingDeviceError marks a chain node referencing a device the registry
// does not know. Surfaced on CRUD validation and on load.
type MissingDeviceError struct {
	ActionID int64
	DeviceID int64
	Role     string
}

func (e *MissingDeviceError) Error() string {
	return fmt.Sprintf("action %d: %s node references missing device %d", e.ActionID, e.Role, e.DeviceID)
}

// MissingResultTopicError marks a branch with nothing to watch: neither the
// branch nor the THEN node carries a result_topic.
type MissingResultTopicError struct {
	ActionID int64
	Branch   string
}

func (e *MissingResultTopicError) Error() string {
	return fmt.Sprintf("action %d: %s branch has no result topic", e.ActionID, e.Branch)
}
