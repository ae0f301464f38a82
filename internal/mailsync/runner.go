package mailsync

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mail-sync-engine/internal/dedup"
	"github.com/Martian-dev/mail-sync-engine/internal/jobs"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// unitResult is where a sync unit left off. progress and fresh are only
// applied once the whole unit succeeded, so a retried unit is not counted
// twice.
type unitResult struct {
	cursor    string
	remaining int
	more      bool
	fetched   int
	stored    int
	progress  int
	fresh     []string
}

func (o *Orchestrator) startResult(job *jobs.Job) unitResult {
	return unitResult{cursor: job.Cursor, remaining: effectiveLimit(job.Remaining), more: true}
}

func (o *Orchestrator) nextRequest(res unitResult) BatchRequest {
	return BatchRequest{
		Limit:       min(o.opts.BatchSize, res.remaining),
		Cursor:      res.cursor,
		IncludeRead: o.opts.IncludeRead,
	}
}

// advance moves the result past one page. A short page, an empty cursor or
// the provider's hasMore=false ends the chain.
func (res *unitResult) advance(requested, consumed int, next string, hasMore bool) {
	res.fetched += consumed
	res.remaining -= consumed
	if res.remaining < 0 {
		res.remaining = 0
	}
	res.cursor = next
	res.more = hasMore && next != "" && consumed >= requested
}

// runFull fetches bodies directly and stores each batch in one transaction
func (o *Orchestrator) runFull(ctx context.Context, acc *model.Account, p MailProvider, job *jobs.Job) (unitResult, error) {
	res := o.startResult(job)

	for i := 0; i < o.opts.MaxBatchesPerUnit && res.more && res.remaining > 0; i++ {
		req := o.nextRequest(res)
		batch, err := p.FetchBatch(ctx, req)
		if err != nil {
			return res, fmt.Errorf("fetch batch: %w", err)
		}

		msgs := batch.Messages
		if len(msgs) > req.Limit {
			msgs = msgs[:req.Limit]
		}
		for _, m := range msgs {
			m.AccountID = acc.ID
		}

		outcomes, err := o.guard.IngestBatch(ctx, msgs)
		if err != nil {
			return res, fmt.Errorf("store batch: %w", err)
		}
		for i, outcome := range outcomes {
			switch outcome {
			case dedup.Claimed:
				res.stored++
			case dedup.LockContended:
				o.logger.Debug("message claimed elsewhere", "account_id", acc.ID, "message_id", msgs[i].ProviderMessageID)
			}
		}

		consumed := max(batch.Fetched, len(msgs))
		if consumed > req.Limit {
			consumed = req.Limit
		}
		res.progress += consumed
		res.advance(req.Limit, consumed, batch.NextCursor, batch.HasMore)
	}
	return res, nil
}

// runOptimized lists ids only and diffs them against storage in one query.
// New ids are collected in provider order for fan-out.
func (o *Orchestrator) runOptimized(ctx context.Context, acc *model.Account, lister IDLister, job *jobs.Job) (unitResult, error) {
	res := o.startResult(job)
	seen := make(map[string]bool)

	for i := 0; i < o.opts.MaxBatchesPerUnit && res.more && res.remaining > 0; i++ {
		req := o.nextRequest(res)
		page, err := lister.FetchIDs(ctx, req)
		if err != nil {
			return res, fmt.Errorf("fetch ids: %w", err)
		}

		ids := page.IDs
		if len(ids) > req.Limit {
			ids = ids[:req.Limit]
		}
		known, err := o.store.KnownMessageIDs(ctx, acc.ID, ids)
		if err != nil {
			return res, fmt.Errorf("diff known ids: %w", err)
		}

		fresh := 0
		for _, id := range ids {
			if known[id] || seen[id] {
				continue
			}
			seen[id] = true
			res.fresh = append(res.fresh, id)
			fresh++
		}

		res.progress += len(ids) - fresh
		res.stored += fresh
		res.advance(req.Limit, len(ids), page.NextCursor, page.HasMore)
	}
	return res, nil
}

// fanOut registers the units as pending before enqueueing them, so a fast
// unit can never settle the attempt early
func (o *Orchestrator) fanOut(ctx context.Context, accountID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := o.tracker.AddPending(ctx, accountID, len(ids)); err != nil {
		return fmt.Errorf("add pending units: %w", err)
	}
	for i, id := range ids {
		if err := o.queue.Enqueue(ctx, jobs.NewMessageJob(accountID, id), 0); err != nil {
			// release slots of units that never made it onto the queue;
			// the retried sync unit offers them again
			for range ids[i:] {
				o.finishUnit(ctx, accountID, true)
			}
			return fmt.Errorf("enqueue message unit: %w", err)
		}
	}
	return nil
}
