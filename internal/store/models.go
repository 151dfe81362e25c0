package store

import "time"

// Sketch is the metadata record of one document. Its command log lives in a
// separate record (see PostgresStore.Write) or in another persist backend.
type Sketch struct {
	ID           string
	Name         string
	OwnerID      string
	Color        string
	PositionX    float64
	PositionY    float64
	Zoom         float64
	BranchedFrom *string
	BranchedAt   *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

