package models

import "time"

// Direction of a connection edge.
type Direction string

const (
	DirectionForward       Direction = "forward"
	DirectionBackward      Direction = "backward"
	DirectionBidirectional Direction = "bidirectional"
	DirectionNone          Direction = "none"
)

// Connection is an explicit graph edge between two entity tags.
type Connection struct {
	ID             string    `json:"id" yaml:"id"`
	Source         string    `json:"source" yaml:"source"`
	Target         string    `json:"target" yaml:"target"`
	RelationshipID string    `json:"relationship_id,omitempty" yaml:"relationship_id,omitempty"`
	AttributeIDs   []string  `json:"attribute_ids,omitempty" yaml:"attribute_ids,omitempty"`
	Kind           string    `json:"kind" yaml:"kind"`
	Direction      Direction `json:"direction" yaml:"direction"`
	Strength       float64   `json:"strength" yaml:"strength"`
	Notes          string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	Created        time.Time `json:"created" yaml:"created"`
	Modified       time.Time `json:"modified" yaml:"modified"`
}
