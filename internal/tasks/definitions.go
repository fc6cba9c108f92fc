package tasks

import (
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"paygate_app_echo/internal/models"
)

// DefineTasks registers all available tasks
func DefineTasks() {
	RegisterHandler(ExpirePaymentRequestsTask.TaskID(), ExpirePaymentRequestsTask.HandleExecution)
	RegisterHandler(PurgeTaskHistoryTask.TaskID(), PurgeTaskHistoryTask.HandleExecution)
}

// EnsureMaintenanceTasks seeds the recurring maintenance schedule if the rows
// do not exist yet. Safe to call on every startup.
func EnsureMaintenanceTasks(db *gorm.DB) error {
	hourly := "FREQ=HOURLY;INTERVAL=1"
	daily := "FREQ=DAILY;INTERVAL=1"

	defaults := []models.ScheduledTask{
		{
			TaskName:          ExpirePaymentRequestsTask.TaskID(),
			Due:               time.Now().Add(time.Hour),
			RecurringInterval: &hourly,
			Status:            models.ScheduledTaskStatusActive,
			TaskType:          models.ScheduledTaskTypeRecurring,
		},
		{
			TaskName:          PurgeTaskHistoryTask.TaskID(),
			Arguments:         map[string]interface{}{"retention_days": 30},
			Due:               time.Now().Add(24 * time.Hour),
			RecurringInterval: &daily,
			Status:            models.ScheduledTaskStatusActive,
			TaskType:          models.ScheduledTaskTypeRecurring,
		},
	}

	for _, task := range defaults {
		var existing models.ScheduledTask
		err := db.Where("task_name = ?", task.TaskName).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Create(&task).Error; err != nil {
			return err
		}
		log.Printf("Seeded recurring task %s", task.TaskName)
	}
	return nil
}
