package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrProducerFatal marks a failure that invalidates the whole run.
var ErrProducerFatal = errors.New("producer failed")

// fetchRequest asks the producer for one page of at most limit records.
type fetchRequest struct {
	limit int
}

// page is the producer's answer to a fetchRequest.
type page struct {
	records  []Record
	cursor   Cursor
	finished bool
	err      error
}

// producer owns the cursor. It fetches exactly one page per request so the
// dispatcher alone decides when the store is queried (pause and resume).
type producer struct {
	gateway  Gateway
	cursor   Cursor
	requests <-chan fetchRequest
	pages    chan<- page
}

func (p *producer) run(ctx context.Context) {
	for {
		var req fetchRequest
		select {
		case <-ctx.Done():
			return
		case r, ok := <-p.requests:
			if !ok {
				return
			}
			req = r
		}

		records, err := p.gateway.FetchPage(ctx, p.cursor.LastSeenID, req.limit)
		if err == nil {
			err = checkPage(records, p.cursor.LastSeenID, req.limit)
		}
		if err != nil {
			p.pages <- page{cursor: p.cursor, err: fmt.Errorf("fetch page after id %d: %w", p.cursor.LastSeenID, err)}
			return
		}

		if len(records) == 0 {
			p.pages <- page{cursor: p.cursor, finished: true}
			return
		}

		p.cursor.LastSeenID = records[len(records)-1].ID
		p.pages <- page{records: records, cursor: p.cursor}
	}
}

// checkPage rejects pages that would break gap-free, duplicate-free traversal.
func checkPage(records []Record, afterID int64, limit int) error {
	if len(records) > limit {
		return fmt.Errorf("gateway returned %d records, limit was %d", len(records), limit)
	}
	prev := afterID
	for _, rec := range records {
		if rec.ID <= prev {
			return fmt.Errorf("gateway returned id %d after id %d: page is not strictly ascending", rec.ID, prev)
		}
		prev = rec.ID
	}
	return nil
}
