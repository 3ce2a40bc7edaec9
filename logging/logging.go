// Package logging provides real-time console output for the scheduler.
// Lines are derived from scheduler events; the snapshot records remain the
// durable view of a task.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/fragkit/tasks"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes leveled key=value lines.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[lvl]; ok {
		return lvl
	}
	if lvl == "WARNING" {
		return LevelWarn
	}
	return LevelInfo
}

// New creates a Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a logger that tags lines with component.
// Derived loggers share the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a logger that appends trace_id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, fields[k])
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace_id=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Event-derived logging methods ---

// FragmentClaimed logs a claim.
func (l *Logger) FragmentClaimed(service, taskID string, f tasks.Fragment) {
	l.Debug("fragment_claimed", map[string]interface{}{
		"service":  service,
		"task":     taskID,
		"fragment": f.ID,
		"index":    f.Index,
		"state":    f.State,
		"tag":      f.Tag,
	})
}

// FragmentReported logs a reported outcome. Fatal outcomes log at WARN.
func (l *Logger) FragmentReported(service, taskID string, f tasks.Fragment, prev tasks.FragmentState, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"service":  service,
		"task":     taskID,
		"fragment": f.ID,
		"index":    f.Index,
		"from":     prev,
		"to":       f.State,
	}
	if duration > 0 {
		fields["duration"] = duration.String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if f.State == tasks.StateFatal {
		l.Warn("fragment_fatal", fields)
		return
	}
	l.Debug("fragment_reported", fields)
}

// TaskCreated logs a task registration.
func (l *Logger) TaskCreated(service, taskID, jobID string, fragments int) {
	l.Info("task_created", map[string]interface{}{
		"service":   service,
		"task":      taskID,
		"job":       jobID,
		"fragments": fragments,
	})
}

// TaskCompleted logs a task whose fragments are all terminal.
func (l *Logger) TaskCompleted(service, taskID, jobID string, p tasks.Progress) {
	l.Info("task_completed", map[string]interface{}{
		"service": service,
		"task":    taskID,
		"job":     jobID,
		"success": p.Count(tasks.StateSuccess),
		"fatal":   p.Count(tasks.StateFatal),
		"ignored": p.Count(tasks.StateIgnored),
	})
}

// TaskEvicted logs a task leaving its container.
func (l *Logger) TaskEvicted(service, taskID string) {
	l.Debug("task_evicted", map[string]interface{}{
		"service": service,
		"task":    taskID,
	})
}

// WorkerIdle logs a claim attempt that found nothing.
func (l *Logger) WorkerIdle(workerID, service string, wait time.Duration) {
	l.Debug("worker_idle", map[string]interface{}{
		"worker":  workerID,
		"service": service,
		"wait":    wait.String(),
	})
}

// WorkerLost logs a worker whose heartbeat went silent.
func (l *Logger) WorkerLost(workerID string, reaped int) {
	l.Warn("worker_lost", map[string]interface{}{
		"worker": workerID,
		"reaped": reaped,
	})
}

// Listener returns a tasks.Listener that logs every scheduler event.
// Fragment changes are logged as claims when they enter a processing state
// and as reports otherwise.
func Listener(l *Logger) tasks.Listener {
	return tasks.ListenerFunc(func(ev tasks.Event) {
		switch ev.Kind {
		case tasks.EventFragmentChanged:
			if ev.Fragment.State.IsProcessing() && !ev.Previous.IsProcessing() {
				l.FragmentClaimed(ev.Service, ev.TaskID, ev.Fragment)
				return
			}
			l.FragmentReported(ev.Service, ev.TaskID, ev.Fragment, ev.Previous, 0, nil)
		case tasks.EventTaskCreated:
			n := 0
			if ev.Task != nil {
				n = ev.Task.Len()
			}
			l.TaskCreated(ev.Service, ev.TaskID, ev.JobID, n)
		case tasks.EventTaskCompleted:
			var p tasks.Progress
			if ev.Task != nil {
				p = ev.Task.Progress()
			}
			l.TaskCompleted(ev.Service, ev.TaskID, ev.JobID, p)
		case tasks.EventTaskEvicted:
			l.TaskEvicted(ev.Service, ev.TaskID)
		case tasks.EventDescriptionChanged:
			l.Debug("task_description", map[string]interface{}{
				"service": ev.Service,
				"task":    ev.TaskID,
				"desc":    ev.Description,
			})
		}
	})
}
