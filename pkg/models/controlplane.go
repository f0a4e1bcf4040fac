package models

import "time"

// PolicyVersion is one immutable version of a named policy document.
// At most one version per name is active; rollback re-activates an older one.
type PolicyVersion struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Active    bool           `json:"active"`
	Content   map[string]any `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReleaseStatus is the lifecycle state of a release.
type ReleaseStatus string

const (
	ReleaseDraft    ReleaseStatus = "draft"
	ReleaseActive   ReleaseStatus = "active"
	ReleaseArchived ReleaseStatus = "archived"
)

// ReleasePayload binds the control-plane choices a release activates.
// Releases point at persona/prompt versions, never the other way around.
type ReleasePayload struct {
	EvidenceGatePolicyVersion    string            `json:"evidence_gate_policy_version,omitempty"`
	FeedbackRoutingPolicyVersion string            `json:"feedback_routing_policy_version,omitempty"`
	PromptsActiveMap             map[string]int    `json:"prompts_active_map,omitempty"`
	ExperimentID                 string            `json:"experiment_id,omitempty"`
	RetrievalDefaults            map[string]string `json:"retrieval_defaults,omitempty"`
}

// Release is a versioned bundle of control-plane choices for one site.
// At most one release is active per (tenant, site).
type Release struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SiteID    string         `json:"site_id"`
	Name      string         `json:"name"`
	Status    ReleaseStatus  `json:"status"`
	Payload   ReleasePayload `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ReleaseHistory records one activation or rollback.
type ReleaseHistory struct {
	ID                int64     `json:"id"`
	TenantID          string    `json:"tenant_id"`
	SiteID            string    `json:"site_id"`
	ReleaseID         string    `json:"release_id"`
	Action            string    `json:"action"`
	Actor             string    `json:"actor,omitempty"`
	PreviousReleaseID string    `json:"previous_release_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft  ExperimentStatus = "draft"
	ExperimentActive ExperimentStatus = "active"
	ExperimentPaused ExperimentStatus = "paused"
	ExperimentEnded  ExperimentStatus = "ended"
)

// Variant is one arm of an experiment. Weights are percentages; when the
// weights of an experiment sum below 100 the last variant absorbs the rest.
type Variant struct {
	Name      string            `json:"name"`
	Weight    int               `json:"weight"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

// Experiment is an A/B experiment bound to one site.
type Experiment struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	SiteID      string           `json:"site_id"`
	Name        string           `json:"name"`
	Status      ExperimentStatus `json:"status"`
	SubjectType string           `json:"subject_type,omitempty"`
	Variants    []Variant        `json:"variants"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ExperimentAssignment persists the variant chosen for a subject so that
// re-bucketing never occurs once recorded.
type ExperimentAssignment struct {
	ExperimentID string    `json:"experiment_id"`
	SubjectKey   string    `json:"subject_key"`
	Variant      string    `json:"variant"`
	Bucket       int       `json:"bucket"`
	AssignedAt   time.Time `json:"assigned_at"`
}
