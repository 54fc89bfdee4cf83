package model

import (
	"errors"
	"strings"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron checks an admission schedule: five cron fields or a
// descriptor like @hourly. The schedule is evaluated by the coordinator.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty cron expression")
	}
	_, err := scheduleParser.Parse(expr)
	return err
}
