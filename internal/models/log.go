package models

import "time"

// LogEvent is a single persisted line of build output. EventID is globally
// unique and is the deduplication key for at-least-once delivery.
type LogEvent struct {
	EventID      string    `json:"event_id"`
	DeploymentID string    `json:"deployment_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	Message      string    `json:"log"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     int64     `json:"sequence,omitempty"`
}

// LogMessage is the queue payload emitted by the build agent for every line.
// Status is set only on lifecycle lines.
type LogMessage struct {
	EventID      string           `json:"eventId,omitempty"`
	ProjectID    string           `json:"projectId"`
	DeploymentID string           `json:"deploymentId"`
	Log          string           `json:"log"`
	Timestamp    time.Time        `json:"timestamp,omitzero"`
	Sequence     int64            `json:"sequence,omitempty"`
	Status       DeploymentStatus `json:"status,omitempty"`
}
