package model

import "time"

// WorkerState is the lifecycle state of one worker process. It only moves forward.
type WorkerState int32

const (
	WorkerStarting     WorkerState = iota // connecting backing resources
	WorkerServing                         // listener bound, accepting requests
	WorkerDraining                        // no new connections, in-flight requests finishing
	WorkerShuttingDown                    // releasing resources and extensions
	WorkerTerminated                      // process about to exit
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "Starting"
	case WorkerServing:
		return "Serving"
	case WorkerDraining:
		return "Draining"
	case WorkerShuttingDown:
		return "ShuttingDown"
	case WorkerTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// WorkerInfo is the record a serving worker keeps in the cluster registry.
type WorkerInfo struct {
	ID      string `json:"id"`   // instance uuid, new for every process
	Slot    string `json:"slot"` // supervisor-assigned name, e.g. worker-3
	PID     int    `json:"pid"`
	Host    string `json:"host"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	State         WorkerState `json:"state"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat int64       `json:"last_heartbeat"` // Unix timestamp
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Success reports a clean zero exit without a signal.
func (e ExitStatus) Success() bool {
	return e.Code == 0 && e.Signal == ""
}
