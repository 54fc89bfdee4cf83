package model

import (
	"errors"
	"fmt"
	"sort"
)

// Client is a capacity descriptor of an agent. The coordinator pushes it
// with UPDATE, the agent stores it as its configuration.
type Client struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	MaxResources int    `json:"maxResources" yaml:"max_resources"`
	Schedule     string `json:"schedule" yaml:"schedule"`
	Tasks        []Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// Validate checks the client and all its tasks.
func (c Client) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.MaxResources < 0 {
		errs = append(errs, fmt.Errorf("negative resources %d", c.MaxResources))
	}
	if err := ValidateCron(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("parsing schedule: %w", err))
	}
	seen := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		if _, ok := seen[t.ID]; ok {
			errs = append(errs, fmt.Errorf("task %s defined twice", t.ID))
			continue
		}
		seen[t.ID] = struct{}{}
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SortTasks orders tasks by their id.
func (c *Client) SortTasks() {
	sort.Slice(c.Tasks, func(i, j int) bool {
		return c.Tasks[i].ID < c.Tasks[j].ID
	})
}
