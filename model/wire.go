package model

import (
	"math"
	"time"
)

// Wire envelopes shared by the data source, the fetch client and the stream
// sources. Time offsets travel as seconds.

// PositionsEnvelope is the body of a non-chunked positions response.
type PositionsEnvelope struct {
	ScenarioID string           `json:"scenario_id"`
	Timestamp  time.Time        `json:"timestamp"`
	TimeOffset float64          `json:"time_offset_seconds"`
	Count      int              `json:"count"`
	Positions  []PositionRecord `json:"positions"`
	Meta       ResponseMeta     `json:"_meta"`
}

// Set converts the envelope into a PositionSet.
func (e PositionsEnvelope) Set() PositionSet {
	return PositionSet{
		ScenarioID: e.ScenarioID,
		Timestamp:  e.Timestamp,
		TimeOffset: SecondsToDuration(e.TimeOffset),
		Records:    e.Positions,
		Meta:       e.Meta,
	}
}

// EnvelopeFor builds the wire form of set.
func EnvelopeFor(set PositionSet) PositionsEnvelope {
	records := set.Records
	if records == nil {
		records = []PositionRecord{}
	}
	return PositionsEnvelope{
		ScenarioID: set.ScenarioID,
		Timestamp:  set.Timestamp,
		TimeOffset: set.TimeOffset.Seconds(),
		Count:      len(records),
		Positions:  records,
		Meta:       set.Meta,
	}
}

// ChunkEnvelope is the body of a chunked positions response.
type ChunkEnvelope struct {
	ScenarioID string           `json:"scenario_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Data       []PositionRecord `json:"data"`
	Meta       ChunkMeta        `json:"meta"`
}

// Chunk converts the envelope into a ChunkedResponse.
func (e ChunkEnvelope) Chunk() ChunkedResponse {
	return ChunkedResponse{
		ScenarioID: e.ScenarioID,
		Timestamp:  e.Timestamp,
		Data:       e.Data,
		Meta:       e.Meta,
	}
}

// ScenarioList is the body of the scenario listing.
type ScenarioList struct {
	Scenarios []ScenarioSummary `json:"scenarios"`
}

// SatelliteInfo identifies one satellite of a scenario without a position.
type SatelliteInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OrbitType OrbitType `json:"orbit_type"`
}

// SatelliteList is the body of the satellites listing.
type SatelliteList struct {
	ScenarioID string          `json:"scenario_id"`
	Count      int             `json:"count"`
	Satellites []SatelliteInfo `json:"satellites"`
	Meta       ResponseMeta    `json:"_meta"`
}

// StreamEvent is one pushed position update on SSE, WebSocket or NATS.
type StreamEvent struct {
	ScenarioID string           `json:"scenario_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	TimeOffset float64          `json:"time_offset"`
	Count      int              `json:"count"`
	Positions  []PositionRecord `json:"positions"`
}

// Set converts the event into a PositionSet.
func (e StreamEvent) Set() PositionSet {
	return PositionSet{
		ScenarioID: e.ScenarioID,
		Timestamp:  e.Timestamp,
		TimeOffset: SecondsToDuration(e.TimeOffset),
		Records:    e.Positions,
	}
}

// StreamCommand values accepted on the duplex channel.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
)

// StreamControl is a client-to-server message on the duplex channel. Either
// field may be omitted.
type StreamControl struct {
	TimeOffset *float64 `json:"time_offset,omitempty"`
	Command    string   `json:"command,omitempty"`
}

// HealthStatusOK is the status reported by a healthy data source.
const HealthStatusOK = "healthy"

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Scenarios int       `json:"scenarios"`
}

// SecondsToDuration converts wire seconds, rejecting NaN and infinities as
// zero.
func SecondsToDuration(s float64) time.Duration {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// StreamSubject is the NATS subject carrying stream events for scenarioID.
func StreamSubject(prefix, scenarioID string) string {
	return prefix + "." + scenarioID
}
