package types

import "time"

// PublishResult is returned by the publisher after a batch is written
type PublishResult struct {
	BatchDate   string    `json:"batch_date"`
	Inserted    int       `json:"inserted"`
	PurgedOld   int64     `json:"purged_old"`
	PurgedToday int64     `json:"purged_today"`
	OrderIDs    []string  `json:"order_ids"`
	PublishedAt time.Time `json:"published_at"`
}

// CycleReport summarises one claim cycle of the executor
type CycleReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Pending    int       `json:"pending"`
	Swept      int64     `json:"swept"`
	Submitted  []string  `json:"submitted"`
	Reverted   []string  `json:"reverted"`
	Skipped    []string  `json:"skipped"`
	Lost       []string  `json:"lost"` // claim races
}
