// Package models provides data models for the shipyard platform.
package models

import "time"

// Project is a registered source repository served under its own subdomain.
// SubDomain is unique across all projects and never changes after creation.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GitURL    string    `json:"gitURL"`
	SubDomain string    `json:"subDomain"`
	CreatedAt time.Time `json:"createdAt"`
}
