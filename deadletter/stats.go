package deadletter

import (
	"context"
	"time"

	"github.com/glimte/sessionq-go/contracts"
)

// Stats summarizes the dead-letter backlog for one origin queue.
type Stats struct {
	Queue   string                      `json:"queue"`
	Total   int                         `json:"total"`
	Expired int                         `json:"expired"`
	ByKind  map[contracts.ErrorKind]int `json:"byKind"`

	// ByHour counts records per capture hour, keyed by DeadLetteredAt
	// truncated to the hour in UTC.
	ByHour map[time.Time]int `json:"byHour"`

	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}

// Stats folds over the queue's records. The snapshot is not atomic with
// respect to concurrent captures and requeues.
func (m *Manager) Stats(ctx context.Context, originQueue string) (Stats, error) {
	stats := Stats{
		Queue:  originQueue,
		ByKind: make(map[contracts.ErrorKind]int),
		ByHour: make(map[time.Time]int),
	}
	now := time.Now().UTC()

	var cursor string
	for {
		page, err := m.store.List(ctx, originQueue, ListOptions{AfterID: cursor, Limit: listPageSize})
		if err != nil {
			return Stats{}, err
		}
		if len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID
		for _, rec := range page {
			stats.Total++
			stats.ByKind[rec.Failure.Kind]++
			if rec.Expired(now) {
				stats.Expired++
			}
			at := rec.Meta.DeadLetteredAt
			stats.ByHour[at.UTC().Truncate(time.Hour)]++
			if stats.Oldest.IsZero() || at.Before(stats.Oldest) {
				stats.Oldest = at
			}
			if at.After(stats.Newest) {
				stats.Newest = at
			}
		}
	}
	return stats, nil
}
