package tasks

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"paygate_app_echo/internal/models"
)

// ExpirePaymentRequestsTaskDef cancels payment requests that passed their
// validUntil without ever settling. Settled and already-cancelled rows are
// terminal and left untouched.
type ExpirePaymentRequestsTaskDef struct{}

// TaskID returns the unique identifier for this task
func (t *ExpirePaymentRequestsTaskDef) TaskID() string {
	return "expire_payment_requests"
}

// HandleExecution cancels every stale created request in one guarded update
func (t *ExpirePaymentRequestsTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, args map[string]interface{}) (map[string]interface{}, error) {
	res := db.WithContext(ctx).Model(&models.PaymentRequest{}).
		Where("settled = ? AND cancelled = ? AND valid_until < ?", false, false, time.Now()).
		Update("cancelled", true)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected > 0 {
		log.Printf("[Task: expire_payment_requests] Cancelled %d expired requests", res.RowsAffected)
	}

	return map[string]interface{}{
		"status":    "success",
		"cancelled": res.RowsAffected,
	}, nil
}

// ExpirePaymentRequestsTask is the singleton instance of ExpirePaymentRequestsTaskDef
var ExpirePaymentRequestsTask = &ExpirePaymentRequestsTaskDef{}

// PurgeTaskHistoryTaskDef deletes task history rows older than a retention
// window (days, default 30).
type PurgeTaskHistoryTaskDef struct{}

// TaskID returns the unique identifier for this task
func (t *PurgeTaskHistoryTaskDef) TaskID() string {
	return "purge_task_history"
}

// HandleExecution deletes history rows past the retention window
func (t *PurgeTaskHistoryTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, args map[string]interface{}) (map[string]interface{}, error) {
	retentionDays := 30
	if v, ok := args["retention_days"].(float64); ok && v > 0 {
		retentionDays = int(v)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res := db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ScheduledTaskHistory{})
	if res.Error != nil {
		return nil, res.Error
	}

	return map[string]interface{}{
		"status": "success",
		"purged": res.RowsAffected,
	}, nil
}

// PurgeTaskHistoryTask is the singleton instance of PurgeTaskHistoryTaskDef
var PurgeTaskHistoryTask = &PurgeTaskHistoryTaskDef{}
