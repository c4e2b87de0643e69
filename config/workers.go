package config

import (
	"log/slog"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"
)

const maxAutoWorkers = 8

// WorkerCount resolves the category worker setting. "auto" uses half of the
// logical cores, capped at maxAutoWorkers.
func WorkerCount(value string) int {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return n
	}
	if value != "auto" {
		slog.Warn("invalid workers value, using auto", slog.String("value", value))
	}

	cores, err := cpu.Counts(true)
	if err != nil {
		slog.Warn("could not detect cpu cores, using 1 worker", slog.Any("error", err))
		return 1
	}
	n := cores / 2
	if n < 1 {
		n = 1
	}
	if n > maxAutoWorkers {
		n = maxAutoWorkers
	}
	return n
}
