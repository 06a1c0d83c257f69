package daemon

import (
	"fmt"

	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/records"
)

// BuildFullStatus assembles the lab status: one row per known device with
// its running attempt, if any, and its last finished attempt.
//
// The last attempt comes from the pool when it has seen one and from the
// records store otherwise, so outcomes survive a daemon restart. Store
// failures are reported in Errors rather than failing the request.
func BuildFullStatus(pool *Pool, profiles *profile.Registry, store *records.Store, cfg Config) protocol.FullStatus {
	status := protocol.FullStatus{
		Lab:         cfg.Lab,
		Mode:        string(pool.Mode()),
		Concurrency: cfg.Concurrency,
	}

	for _, prof := range profiles.List() {
		row := protocol.DeviceStatus{
			Device: prof.Name,
			Family: string(prof.Family),
		}

		if job, ok := pool.Job(prof.Name); ok {
			row.Busy = true
			row.State = string(job.State)
			status.Running++
		}

		if last, ok := pool.Last(prof.Name); ok {
			row.Last = &last
		} else if store != nil {
			rec, found, err := store.Latest(prof.Name)
			switch {
			case err != nil:
				status.Errors = append(status.Errors, fmt.Sprintf("records %s: %v", prof.Name, err))
			case found && rec.Status.Finished():
				row.Last = attemptStatus(rec)
			}
		}
		if row.State == "" && row.Last != nil {
			row.State = lastState(row.Last)
		}

		status.Devices = append(status.Devices, row)
	}
	return status
}

func attemptStatus(rec records.Record) *protocol.AttemptStatus {
	return &protocol.AttemptStatus{
		ID:         protocol.AttemptID(rec.ID),
		Status:     string(rec.Status),
		Stage:      rec.Stage,
		Error:      rec.Error,
		HardReset:  rec.HardReset,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
}

// lastState maps a finished attempt to the run-state shown for an idle
// device. Aborted attempts never reached a terminal state of their own.
func lastState(st *protocol.AttemptStatus) string {
	if st.Status == string(records.StatusBooted) {
		return string(records.StatusBooted)
	}
	return string(records.StatusFailed)
}
