package models

import "time"

// MemoryMessage is one entry of the short-term, NPC-isolated session log.
type MemoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// Preference is the cross-NPC preference record of a session. It carries
// user choices only; factual claims never belong here.
type Preference struct {
	Verbosity    string   `json:"verbosity,omitempty"`
	Tone         string   `json:"tone,omitempty"`
	InterestTags []string `json:"interest_tags,omitempty"`
}

// IsZero reports whether the record holds no preferences.
func (p Preference) IsZero() bool {
	return p.Verbosity == "" && p.Tone == "" && len(p.InterestTags) == 0
}
