package model

// ConflictPolicy chooses how the resolver picks the primary record when
// multiple sources report into the same bucket.
type ConflictPolicy string

const (
	// PolicyPreferPrimary walks the ranked source chain and picks the
	// highest-ranked connected source present in the bucket.
	PolicyPreferPrimary ConflictPolicy = "prefer_primary"
	// PolicyHighestQuality picks the record with the highest quality score
	// regardless of rank.
	PolicyHighestQuality ConflictPolicy = "prefer_highest_quality"
	// PolicyAverage produces a synthetic mean record across present
	// sources. Valid only for additive numeric metric types.
	PolicyAverage ConflictPolicy = "average"
)

// Valid reports whether p is a known conflict policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyPreferPrimary, PolicyHighestQuality, PolicyAverage:
		return true
	}
	return false
}

// SourcePreference holds one user's per-category source ranking and
// conflict policy. Created lazily on first configuration; consumed
// read-only by the resolver.
type SourcePreference struct {
	UserID   string                `json:"user_id"`
	Rankings map[Category][]string `json:"rankings"`
	Policy   ConflictPolicy        `json:"conflict_resolution"`
}

// RankingFor returns the ranked source list for a category, or nil when the
// user has not configured one.
func (p *SourcePreference) RankingFor(cat Category) []string {
	if p == nil {
		return nil
	}
	return p.Rankings[cat]
}
