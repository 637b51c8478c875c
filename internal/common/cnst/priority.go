package cnst

// Priority is the urgency of a notification
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
	PrioritySecurity Priority = "security"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityInfo, PriorityWarning, PriorityCritical, PrioritySecurity:
		return true
	}
	return false
}

// Critical reports whether messages of this priority are replayed first and never evicted
func (p Priority) Critical() bool {
	return p == PriorityCritical || p == PrioritySecurity
}
