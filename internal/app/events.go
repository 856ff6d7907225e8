package app

import (
	"context"
	"encoding/json"
	"time"

	"autobc/internal/broadcast"
	"autobc/internal/eventbus"
	"autobc/internal/storage"
	logx "autobc/pkg/logx"
)

// auditor turns broadcast events into log lines and audit rows.
type auditor struct {
	store storage.Store
	log   logx.Logger
}

// run consumes events until ctx is done or the subscription closes.
func (a *auditor) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.handle(ctx, e)
		}
	}
}

func (a *auditor) handle(ctx context.Context, e eventbus.Event) {
	var entry storage.AuditEntry
	switch ev := e.Data.(type) {
	case broadcast.CycleEvent:
		a.log.Debug("cycle audited",
			logx.Int64("identity", int64(ev.Identity)),
			logx.Int("total", ev.Report.Total),
			logx.Int("sent", ev.Report.Sent),
			logx.Int("skipped", ev.Report.Skipped),
			logx.Int("evicted", ev.Report.Evicted),
			logx.Int64("next_run_at", ev.NextRunAt),
			logx.Duration("took", ev.Took),
		)
		entry = reportEntry(ev.Identity, "broadcast.cycle", ev.Report, ev.Took)
		entry.Target = time.Unix(ev.NextRunAt, 0).UTC().Format(time.RFC3339)
	case broadcast.DispatchEvent:
		fields := []logx.Field{
			logx.Int64("identity", int64(ev.Identity)),
			logx.String("mode", ev.Mode),
			logx.Int("sent", ev.Report.Sent),
			logx.Int("skipped", ev.Report.Skipped),
			logx.Duration("took", ev.Took),
		}
		entry = reportEntry(ev.Identity, "broadcast.dispatch."+ev.Mode, ev.Report, ev.Took)
		if ev.Target != nil {
			entry.ChatID = ev.Target.ChatID
			entry.ThreadID = ev.Target.Thread.ThreadID()
			entry.Target = ev.Target.Title
		}
		if ev.Err != nil {
			entry.Error = ev.Err.Error()
			a.log.Warn("broadcast dispatch failed", append(fields, logx.Err(ev.Err))...)
		} else {
			a.log.Info("broadcast dispatch done", fields...)
		}
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	if entry.At.IsZero() {
		entry.At = e.Time
	}
	if err := a.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		a.log.Warn("audit append failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func reportEntry(id broadcast.Identity, action string, rep broadcast.PassReport, took time.Duration) storage.AuditEntry {
	meta, _ := json.Marshal(map[string]any{
		"total":    rep.Total,
		"excluded": rep.Excluded,
		"evicted":  rep.Evicted,
		"canceled": rep.Canceled,
	})
	return storage.AuditEntry{
		ActorID:  int64(id),
		Action:   action,
		OK:       rep.Sent,
		Fail:     rep.Skipped,
		TookMS:   took.Milliseconds(),
		MetaJSON: string(meta),
	}
}
