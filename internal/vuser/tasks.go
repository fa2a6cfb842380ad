package vuser

import (
	"context"
	"math/rand/v2"
)

// Task is one entry in a user's weighted task table.
type Task struct {
	Name   string
	Weight int
	// run does the work under work, which outlives cancellation; stop is the
	// run's context and may be checked between independent steps.
	run func(u *User, work, stop context.Context)
}

// taskTable picks tasks with probability proportional to their weight.
type taskTable struct {
	tasks []Task
	total int
}

func newTaskTable(tasks ...Task) *taskTable {
	t := &taskTable{}
	for _, task := range tasks {
		if task.Weight <= 0 {
			continue
		}
		t.tasks = append(t.tasks, task)
		t.total += task.Weight
	}
	return t
}

// pick draws one task. Each call is independent of previous picks.
func (t *taskTable) pick(rng *rand.Rand) Task {
	return t.at(rng.IntN(t.total))
}

// at maps a roll in [0, total) onto the cumulative weights.
func (t *taskTable) at(roll int) Task {
	cumulative := 0
	for _, task := range t.tasks {
		cumulative += task.Weight
		if roll < cumulative {
			return task
		}
	}
	return t.tasks[len(t.tasks)-1]
}
