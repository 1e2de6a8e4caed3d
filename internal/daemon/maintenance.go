package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/domain"
)

// runMaintenance periodically prunes old rows and nags low-balance
// principals. One sweep runs immediately on startup.
func (d *Daemon) runMaintenance(ctx context.Context) {
	interval := parseDuration(d.cfg.Maintenance.Interval, time.Hour)
	log := d.log.Named("maintenance")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.sweep(log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(log)
		}
	}
}

func (d *Daemon) sweep(log *zap.Logger) {
	now := time.Now().UTC()

	chatCutoff := now.Add(-parseDuration(d.cfg.Maintenance.ChatRetention, 720*time.Hour))
	if n, err := d.db.PurgeChatsBefore(chatCutoff); err != nil {
		log.Warn("chat purge failed", zap.Error(err))
	} else if n > 0 {
		log.Info("purged old chats", zap.Int64("count", n))
	}

	noteCutoff := now.Add(-parseDuration(d.cfg.Maintenance.NotificationRetention, 1440*time.Hour))
	if n, err := d.db.PurgeNotificationsBefore(noteCutoff); err != nil {
		log.Warn("notification purge failed", zap.Error(err))
	} else if n > 0 {
		log.Info("purged old notifications", zap.Int64("count", n))
	}

	d.nagLowBalances(log, now)
}

// nagLowBalances notifies principals at or below the threshold, at most
// once per nag interval each.
func (d *Daemon) nagLowBalances(log *zap.Logger, now time.Time) {
	threshold := d.cfg.Maintenance.LowCreditThreshold
	if threshold <= 0 {
		return
	}
	nagCutoff := now.Add(-parseDuration(d.cfg.Maintenance.LowCreditNagInterval, 24*time.Hour))

	ids, err := d.db.ListLowBalancePrincipals(threshold)
	if err != nil {
		log.Warn("low balance scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		nagged, err := d.db.HasNotificationSince(id, domain.NotifyLowCredits, nagCutoff)
		if err != nil || nagged {
			continue
		}
		balance, err := d.db.GetBalance(id)
		if err != nil {
			continue
		}
		note := domain.Notification{
			ID:          uuid.New().String(),
			PrincipalID: id,
			Kind:        domain.NotifyLowCredits,
			Message:     fmt.Sprintf("You have %d credits remaining. Top up to keep chatting.", balance),
			CreatedAt:   now,
		}
		if err := d.db.InsertNotification(note); err != nil {
			log.Warn("low credit notification failed",
				zap.String("principal_id", id), zap.Error(err))
		}
	}
}
