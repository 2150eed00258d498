package tactile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Outcome is how a tool run ended.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
	OutcomeKilled Outcome = "killed"
	OutcomeError  Outcome = "error" // never started
)

// RunRecord is one finished tool run as written to the journal file.
type RunRecord struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Tool       string    `json:"tool"`
	Arguments  []string  `json:"arguments"`
	WorkDir    string    `json:"work_dir,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	Rejected   bool      `json:"rejected,omitempty"`
	KillReason string    `json:"kill_reason,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// recordFor folds a terminal audit event into a run record.
// Start events return false.
func recordFor(event AuditEvent) (RunRecord, bool) {
	rec := RunRecord{
		Time:      event.Timestamp,
		RequestID: event.Command.RequestID,
		Status:    event.Command.Status,
		Tool:      filepath.Base(event.Command.Binary),
		Arguments: event.Command.Arguments,
		WorkDir:   event.Command.WorkingDirectory,
		ExitCode:  -1,
	}

	switch event.Type {
	case AuditEventStart:
		return rec, false
	case AuditEventError:
		rec.Outcome = OutcomeError
		return rec, true
	case AuditEventKilled:
		rec.Outcome = OutcomeKilled
	default:
		rec.Outcome = OutcomeFailed
	}

	if res := event.Result; res != nil {
		if event.Type == AuditEventComplete && res.Success {
			rec.Outcome = OutcomeOK
		}
		rec.ExitCode = res.ExitCode
		rec.Rejected = res.Rejected
		rec.KillReason = res.KillReason
		rec.DurationMs = res.Duration.Milliseconds()
	}
	return rec, true
}

// Journal collects the tool runs of one CLI invocation. It is installed as
// the executor's audit callback; finished runs are counted and, when a file
// is attached, appended to it as JSON Lines.
type Journal struct {
	mu sync.Mutex

	listeners []func(RunRecord)
	file      io.WriteCloser
	tally     Tally
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{tally: Tally{byTool: make(map[string]int)}}
}

// OnRun registers fn for every finished run.
func (j *Journal) OnRun(fn func(RunRecord)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.listeners = append(j.listeners, fn)
}

// WriteTo appends records to the file at path, creating its directory.
func (j *Journal) WriteTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		_ = j.file.Close()
	}
	j.file = f
	return nil
}

// Record handles an executor audit event.
func (j *Journal) Record(event AuditEvent) {
	rec, done := recordFor(event)

	j.mu.Lock()
	j.tally.add(event.Type, rec)
	if !done {
		j.mu.Unlock()
		return
	}
	if j.file != nil {
		// Best effort: a broken journal never fails a stage.
		if data, err := json.Marshal(rec); err == nil {
			_, _ = j.file.Write(append(data, '\n'))
		}
	}
	listeners := j.listeners
	j.mu.Unlock()

	for _, fn := range listeners {
		fn(rec)
	}
}

// Tally returns a copy of the run counters.
func (j *Journal) Tally() Tally {
	j.mu.Lock()
	defer j.mu.Unlock()

	t := j.tally
	t.byTool = make(map[string]int, len(j.tally.byTool))
	for k, v := range j.tally.byTool {
		t.byTool[k] = v
	}
	return t
}

// Close detaches the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Tally counts tool runs by outcome and by tool.
type Tally struct {
	Started int
	OK      int
	Failed  int
	Killed  int
	Elapsed time.Duration

	byTool map[string]int
}

func (t *Tally) add(typ AuditEventType, rec RunRecord) {
	switch typ {
	case AuditEventStart:
		t.Started++
		t.byTool[rec.Tool]++
		return
	}
	switch rec.Outcome {
	case OutcomeOK:
		t.OK++
	case OutcomeKilled:
		t.Killed++
	default:
		t.Failed++
	}
	t.Elapsed += time.Duration(rec.DurationMs) * time.Millisecond
}

// Runs returns how often tool was started.
func (t Tally) Runs(tool string) int {
	return t.byTool[tool]
}

// String renders the tally on one line, e.g.
// "4 runs (3 ok, 1 failed, 0 killed) in 1.2s: ghdl=3 yosys=1".
func (t Tally) String() string {
	tools := make([]string, 0, len(t.byTool))
	for name := range t.byTool {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	var b strings.Builder
	fmt.Fprintf(&b, "%d runs (%d ok, %d failed, %d killed) in %s", t.Started, t.OK, t.Failed, t.Killed, t.Elapsed)
	for i, name := range tools {
		if i == 0 {
			b.WriteString(":")
		}
		fmt.Fprintf(&b, " %s=%d", name, t.byTool[name])
	}
	return b.String()
}
