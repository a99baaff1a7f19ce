package stageout

import (
	"context"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/jobbook"
)

// Reconcile pushes terminal range states to the dispatcher: stagedOut
// ranges as finished, failed ranges as failed, batched by UpdateChunkSize.
// Acknowledged ranges become reported locally, so each range is updated
// exactly once.
func (p *Pipeline) Reconcile(ctx context.Context) {
	type pendingUpdate struct {
		jobID   string
		rangeID string
	}

	var updates []dispatcher.EventRangeUpdate
	var origin []pendingUpdate
	statusCounts := make(map[jobbook.RangeStatus]int)

	for _, job := range p.book.Jobs() {
		ranges, err := p.book.Ranges(job.ID)
		if err != nil {
			continue
		}
		for rangeID, status := range ranges {
			statusCounts[status]++
			var eventStatus string
			switch status {
			case jobbook.RangeStagedOut:
				eventStatus = "finished"
			case jobbook.RangeFailed:
				eventStatus = "failed"
			default:
				continue
			}
			updates = append(updates, dispatcher.EventRangeUpdate{
				EventRangeID: rangeID,
				EventStatus:  eventStatus,
				ObjstoreID:   p.cfg.BucketID,
			})
			origin = append(origin, pendingUpdate{jobID: job.ID, rangeID: rangeID})
		}
	}

	for status, count := range statusCounts {
		p.stats.rangeStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	for start := 0; start < len(updates); start += p.cfg.UpdateChunkSize {
		end := start + p.cfg.UpdateChunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]

		if err := p.client.UpdateEventRanges(ctx, chunk); err != nil {
			p.logger.Warn().Err(err).Int("ranges", len(chunk)).Msg("event range update failed")
			continue
		}
		for _, pu := range origin[start:end] {
			if err := p.book.SetRangeStatus(pu.jobID, pu.rangeID, jobbook.RangeReported); err != nil {
				p.logger.Warn().Err(err).Str("range_id", pu.rangeID).Msg("cannot mark range reported")
			}
		}
		p.logger.Info().Int("ranges", len(chunk)).Msg("event ranges reconciled")
	}
}
