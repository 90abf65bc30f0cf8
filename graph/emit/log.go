package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogEmitter writes events to an io.Writer, one line per event.
//
// Text mode:
//
//	2026-03-14T09:26:00Z [step_completed] execution=e1 step=fetch level= msg="Step completed: Fetch" meta={"branch":"success"}
//
// JSON mode emits one object per line, suitable for log shippers.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		ExecutionID string         `json:"execution_id"`
		Type        string         `json:"type"`
		StepID      string         `json:"step_id,omitempty"`
		StepName    string         `json:"step_name,omitempty"`
		StepType    string         `json:"step_type,omitempty"`
		Level       string         `json:"level,omitempty"`
		Message     string         `json:"message,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
		Timestamp   time.Time      `json:"timestamp"`
	}{
		ExecutionID: event.ExecutionID,
		Type:        event.Type,
		StepID:      event.StepID,
		StepName:    event.StepName,
		StepType:    event.StepType,
		Level:       event.Level,
		Message:     event.Message,
		Metadata:    event.Metadata,
		Timestamp:   event.Timestamp,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "%s [%s] execution=%s step=%s level=%s msg=%q",
		event.Timestamp.UTC().Format(time.RFC3339), event.Type, event.ExecutionID,
		event.StepID, event.Level, event.Message)

	if len(event.Metadata) > 0 {
		if metaJSON, err := json.Marshal(event.Metadata); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Metadata)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
