package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mvault/mvault/mlog"
	"github.com/mvault/mvault/mvault-"
)

var (
	metricReapedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mvault_reaped_messages_total",
		Help: "Orphaned message records reclaimed by maintenance.",
	})
	metricMaintenanceSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mvault_maintenance_skipped_total",
		Help: "Maintenance runs skipped because a recent run already claimed the job.",
	})
	metricSummaryDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mvault_summary_drifted_buckets",
		Help: "Summary buckets where the message table and body storage disagreed during the last maintenance run.",
	})
)

// maintenanceClaim attempts to claim the named periodic job. The claim is a
// soft lock: it only refuses when another run started within the staleness
// window, so a crashed run never wedges the job. Two processes racing into
// the window can both end up running; the jobs tolerate that.
func maintenanceClaim(ctx context.Context, db *bstore.DB, name string) (bool, error) {
	staleness := mvault.Conf.Static.MaintenanceStalenessOrDefault()
	claimed := false
	err := db.Write(ctx, func(tx *bstore.Tx) error {
		run := MaintenanceRun{Name: name}
		err := tx.Get(&run)
		if err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return err
		}
		if err == nil {
			if timeNow().Sub(run.Started) < staleness {
				return nil
			}
			run.Started = timeNow()
			claimed = true
			return tx.Update(&run)
		}
		claimed = true
		return tx.Insert(&MaintenanceRun{Name: name, Started: timeNow()})
	})
	return claimed, err
}

// ReapOrphans removes message records that have had zero references for
// longer than the retention window, and their bodies. Each candidate is
// handled in its own transaction, re-checking the reference count and
// activity time under the account write lock: a reference added since the
// scan, or any recent activity, disqualifies it. Bodies are removed only
// after their record's removal has committed, so a crash leaves stray files,
// never dangling records.
func (a *Account) ReapOrphans(ctx context.Context, log *mlog.Log) (reaped int, rerr error) {
	cutoff := timeNow().Add(-mvault.Conf.Static.OrphanRetentionOrDefault())

	candidates, err := bstore.QueryDB[Message](ctx, a.DB).FilterEqual("RefCount", 0).FilterLess("LastActivity", cutoff).List()
	if err != nil {
		return 0, fmt.Errorf("scanning for orphans: %v", err)
	}

	for _, c := range candidates {
		var path string
		removed := false
		a.WithWLock(func() {
			rerr = a.DB.Write(ctx, func(tx *bstore.Tx) error {
				m := Message{ID: c.ID}
				if err := tx.Get(&m); err != nil {
					if errors.Is(err, bstore.ErrAbsent) {
						return nil
					}
					return err
				}
				if m.RefCount != 0 || !m.LastActivity.Before(cutoff) {
					return nil
				}
				path = m.Path
				removed = true
				return tx.Delete(&Message{ID: m.ID})
			})
		})
		if rerr != nil {
			return reaped, rerr
		}
		if !removed {
			continue
		}
		// Only after commit. A failure here leaves a stray body that the
		// summary check will surface.
		log.Check(a.Blobs.Remove(path), "removing reaped message body", mlog.Field("path", path))
		reaped++
	}
	metricReapedMessages.Add(float64(reaped))
	return reaped, nil
}

// Maintenance runs the periodic jobs for the account: expiring the spool,
// reaping orphaned messages, and comparing the summary table against body
// storage. The run is skipped when a recent run already claimed the job.
func (a *Account) Maintenance(ctx context.Context, log *mlog.Log) error {
	claimed, err := maintenanceClaim(ctx, a.DB, "maintenance")
	if err != nil {
		return fmt.Errorf("claiming maintenance: %v", err)
	}
	if !claimed {
		metricMaintenanceSkipped.Inc()
		log.Debug("maintenance claimed by a recent run, skipping")
		return nil
	}

	var expired int
	a.WithWLock(func() {
		expired, err = a.SpoolExpire(ctx)
	})
	if err != nil {
		return fmt.Errorf("expiring spool: %v", err)
	}

	reaped, err := a.ReapOrphans(ctx, log)
	if err != nil {
		return fmt.Errorf("reaping orphans: %v", err)
	}

	// The cheap per-bucket totals decide whether anything deeper is needed.
	// Drift means stray or missing bodies, e.g. left by a crash between a
	// record's removal and its body's.
	drifted, err := a.CheckSummary(ctx)
	if err != nil {
		return fmt.Errorf("checking summaries: %v", err)
	}
	metricSummaryDrift.Set(float64(len(drifted)))
	if len(drifted) > 0 {
		log.Error("message table and body storage disagree", mlog.Field("buckets", drifted))
	}

	log.Info("maintenance done", mlog.Field("spoolexpired", expired), mlog.Field("reaped", reaped), mlog.Field("drifted", len(drifted)))
	return nil
}

// StartMaintenance runs Maintenance periodically until shutdown. A serving
// process calls it once per open account, after OpenAccount; subcommands run
// Maintenance directly instead.
func (a *Account) StartMaintenance() {
	go a.maintenanceLoop(mvault.Shutdown)
}

func (a *Account) maintenanceLoop(ctx context.Context) {
	rnd := mvault.NewPseudoRand()
	interval := mvault.Conf.Static.MaintenanceIntervalOrDefault()
	for {
		// Jitter spreads the runs of processes sharing a data directory,
		// so they don't keep hitting each other's claims.
		jitter := time.Duration(rnd.Int63n(int64(interval / 8)))
		if ctxDone := mvault.Sleep(ctx, interval+jitter); ctxDone {
			return
		}
		log := xlog.WithCid(mvault.Cid()).Fields(mlog.Field("account", a.Name))
		log.Check(a.Maintenance(ctx, log), "running maintenance")
	}
}

// CheckConsistency verifies the store's internal invariants: reference counts
// matching actual references, per-mailbox UID and modseq high-water marks
// above all assigned values, and flag registry ids below the allocator.
// Returns a description per violation found.
func (a *Account) CheckConsistency(ctx context.Context) ([]string, error) {
	var problems []string
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		refs := map[int64]int{}
		uidHigh := map[int64]UID{}
		modseqHigh := map[int64]ModSeq{}

		err := bstore.QueryTx[MailboxMessage](tx).ForEach(func(mm MailboxMessage) error {
			refs[mm.MessageID]++
			if mm.UID > uidHigh[mm.MailboxID] {
				uidHigh[mm.MailboxID] = mm.UID
			}
			if mm.FlagsModSeq > modseqHigh[mm.MailboxID] {
				modseqHigh[mm.MailboxID] = mm.FlagsModSeq
			}
			if mm.AppendModSeq > mm.FlagsModSeq {
				problems = append(problems, fmt.Sprintf("mailbox %d uid %d: append modseq %d after flags modseq %d", mm.MailboxID, mm.UID, mm.AppendModSeq, mm.FlagsModSeq))
			}
			return nil
		})
		if err != nil {
			return err
		}
		err = bstore.QueryTx[SpoolEntry](tx).ForEach(func(e SpoolEntry) error {
			refs[e.MessageID]++
			return nil
		})
		if err != nil {
			return err
		}
		err = bstore.QueryTx[Expunge](tx).ForEach(func(e Expunge) error {
			if e.ModSeq > modseqHigh[e.MailboxID] {
				modseqHigh[e.MailboxID] = e.ModSeq
			}
			if e.UID > uidHigh[e.MailboxID] {
				uidHigh[e.MailboxID] = e.UID
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = bstore.QueryTx[Message](tx).ForEach(func(m Message) error {
			if m.RefCount != refs[m.ID] {
				problems = append(problems, fmt.Sprintf("message %d: refcount %d, but %d references", m.ID, m.RefCount, refs[m.ID]))
			}
			bucket, incr := summaryValues(m.Path)
			if m.SummaryBucket != bucket || m.SummaryIncrement != incr {
				problems = append(problems, fmt.Sprintf("message %d: summary values do not match path %q", m.ID, m.Path))
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = bstore.QueryTx[Mailbox](tx).ForEach(func(mb Mailbox) error {
			if uidHigh[mb.ID] >= mb.NextUID {
				problems = append(problems, fmt.Sprintf("mailbox %d: next uid %d not above assigned uid %d", mb.ID, mb.NextUID, uidHigh[mb.ID]))
			}
			if modseqHigh[mb.ID] > mb.MaxModSeq {
				problems = append(problems, fmt.Sprintf("mailbox %d: max modseq %d below assigned modseq %d", mb.ID, mb.MaxModSeq, modseqHigh[mb.ID]))
			}
			return nil
		})
		if err != nil {
			return err
		}

		next := NextFlagID{ID: 1}
		if err := tx.Get(&next); err != nil {
			return fmt.Errorf("get next flag id: %v", err)
		}
		return bstore.QueryTx[Flag](tx).ForEach(func(f Flag) error {
			if f.ID >= next.Next {
				problems = append(problems, fmt.Sprintf("flag %q: id %d not below allocator %d", f.Name, f.ID, next.Next))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return problems, nil
}
