package storage

import (
	"time"
)

// ProviderSnapshot is one periodic health and counter reading of a provider.
type ProviderSnapshot struct {
	Provider     string
	TakenAt      time.Time
	Status       string
	SuccessRate  float64
	AvgLatency   time.Duration
	Observations int
	RecentErrors int
	Requests     int64
	Failures     int64
}

// Incident records a burst of failures that forced a provider unavailable.
type Incident struct {
	ID         string
	Provider   string
	OpenedAt   time.Time
	ResolvedAt *time.Time
	Failures   int
	LastError  string
}

// Open reports whether the incident is still unresolved.
func (i Incident) Open() bool {
	return i.ResolvedAt == nil
}
