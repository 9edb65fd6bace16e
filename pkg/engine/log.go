package engine

import (
	"encoding/json"
	"fmt"
)

type LogEntry struct {
	Id      string `json:"id"`
	Content string `json:"content"`
}

// LogBundle merges the driver level and application level logs of one job.
type LogBundle struct {
	AppLogs    []LogEntry `json:"appLog"`
	DriverLogs []LogEntry `json:"driverLog"`
}

// NewDiagnosticBundle returns a bundle holding a single diagnostic line for the job.
func NewDiagnosticBundle(jobId, message string) *LogBundle {
	b := &LogBundle{}
	b.AddAppLog(jobId, message)
	return b
}

func (b *LogBundle) AddAppLog(id, content string) {
	b.AppLogs = append(b.AppLogs, LogEntry{Id: id, Content: content})
}

func (b *LogBundle) AddDriverLog(id, content string) {
	b.DriverLogs = append(b.DriverLogs, LogEntry{Id: id, Content: content})
}

// Lines returns every entry as "id: content", application logs first.
func (b *LogBundle) Lines() []string {
	lines := make([]string, 0, len(b.AppLogs)+len(b.DriverLogs))
	for _, e := range b.AppLogs {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Id, e.Content))
	}
	for _, e := range b.DriverLogs {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Id, e.Content))
	}
	return lines
}

func (b *LogBundle) String() string {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf("%v", b.Lines())
	}
	return string(data)
}
