package model

import "time"

// OrbitType classifies a satellite orbit for display purposes.
type OrbitType string

const (
	OrbitLEO OrbitType = "LEO" // Low Earth Orbit (160-2000 km)
	OrbitMEO OrbitType = "MEO" // Medium Earth Orbit (2000-35786 km)
	OrbitGEO OrbitType = "GEO" // Geostationary
	OrbitHEO OrbitType = "HEO" // Highly Elliptical Orbit
)

// Valid reports whether o is one of the known orbit classes.
func (o OrbitType) Valid() bool {
	switch o {
	case OrbitLEO, OrbitMEO, OrbitGEO, OrbitHEO:
		return true
	}
	return false
}

// PositionRecord is the position of a single satellite at one simulated time.
// Altitude is in metres above the surface; Velocity is in km/s.
type PositionRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"name,omitempty"`
	OrbitType   OrbitType `json:"orbit_type"`
	Longitude   float64   `json:"longitude"`
	Latitude    float64   `json:"latitude"`
	Altitude    float64   `json:"altitude"`
	Velocity    float64   `json:"velocity"`
}

// Label returns the text shown next to the satellite marker.
func (r PositionRecord) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}

// ResponseMeta is the metadata envelope attached to data source responses.
type ResponseMeta struct {
	ComputationTimeMs float64 `json:"computation_time_ms"`
	DataSource        string  `json:"data_source,omitempty"`
	Propagator        string  `json:"propagator,omitempty"`
}

// PositionSet is the full collection of positions for one scenario at one
// point in simulated time. Record ids are unique within a set.
type PositionSet struct {
	ScenarioID string
	Timestamp  time.Time
	TimeOffset time.Duration
	Records    []PositionRecord
	Meta       ResponseMeta
}

// Len returns the number of records in the set.
func (s PositionSet) Len() int { return len(s.Records) }

// Find returns the record with the given id.
func (s PositionSet) Find(id string) (PositionRecord, bool) {
	if id == "" {
		return PositionRecord{}, false
	}
	for _, rec := range s.Records {
		if rec.ID == id {
			return rec, true
		}
	}
	return PositionRecord{}, false
}

// IDs returns the record ids in set order.
func (s PositionSet) IDs() []string {
	ids := make([]string, 0, len(s.Records))
	for _, rec := range s.Records {
		ids = append(ids, rec.ID)
	}
	return ids
}

// ChunkMeta describes where a chunk sits within a chunked response.
type ChunkMeta struct {
	ChunkIndex        int     `json:"chunk_index"`
	TotalChunks       int     `json:"total_chunks"`
	ComputationTimeMs float64 `json:"computation_time_ms"`
}

// ChunkedResponse is one partition of a PositionSet. Concatenating chunks
// 0..TotalChunks-1 for the same scenario and time yields the full set.
type ChunkedResponse struct {
	ScenarioID string
	Timestamp  time.Time
	Data       []PositionRecord
	Meta       ChunkMeta
}
