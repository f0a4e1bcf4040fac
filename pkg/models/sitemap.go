package models

// PointOfInterest is one visitable location inside a site.
type PointOfInterest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Route is a suggested path through a site's points of interest.
type Route struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	POIIDs      []string `json:"poi_ids,omitempty"`
}

// SiteMap is the composition of one site as exposed to dialog tooling.
type SiteMap struct {
	TenantID string            `json:"tenant_id"`
	SiteID   string            `json:"site_id"`
	POIs     []PointOfInterest `json:"pois,omitempty"`
	Routes   []Route           `json:"routes,omitempty"`
}
