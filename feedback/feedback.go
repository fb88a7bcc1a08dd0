// Package feedback keeps the outcome log: one JSONL line per dispatched
// step, appended as results come in, plus the per-step aggregation used to
// tune cadences against real reply and bounce rates.
package feedback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cadencer/models"
)

const (
	feedbackSubdir = "feedback"
	outcomesFile   = "outcomes.jsonl"
)

// Recorder appends step outcomes to <dir>/feedback/outcomes.jsonl. Appends
// are serialized by a mutex; the file is opened per write so external
// rotation never wedges a long-running worker.
type Recorder struct {
	path string
	mu   sync.Mutex
}

// NewRecorder opens (creating if needed) the feedback log under dir.
func NewRecorder(dir string) (*Recorder, error) {
	fb := filepath.Join(dir, feedbackSubdir)
	if err := os.MkdirAll(fb, 0o755); err != nil {
		return nil, fmt.Errorf("create feedback dir: %w", err)
	}
	return &Recorder{path: filepath.Join(fb, outcomesFile)}, nil
}

// Path returns the outcome log location.
func (r *Recorder) Path() string { return r.path }

// Record appends one outcome line.
func (r *Recorder) Record(outcome *models.StepOutcome) error {
	if outcome.OccurredAt.IsZero() {
		outcome.OccurredAt = time.Now().UTC()
	}
	outcome.Email = models.CanonicalEmail(outcome.Email)
	line, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outcome log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// All reads every outcome in the log. Mangled lines are counted and
// skipped, not fatal: the log is append-only and a torn tail write must
// not hide the rest of the history.
func (r *Recorder) All() ([]*models.StepOutcome, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open outcome log: %w", err)
	}
	defer f.Close()

	var (
		outcomes []*models.StepOutcome
		bad      int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var o models.StepOutcome
		if err := json.Unmarshal(line, &o); err != nil {
			bad++
			continue
		}
		outcomes = append(outcomes, &o)
	}
	if err := scanner.Err(); err != nil {
		return nil, bad, fmt.Errorf("read outcome log: %w", err)
	}
	return outcomes, bad, nil
}

// Stats aggregates the log per cadence step: send/skip/fail counts plus
// replies and the reply rate over sends.
func (r *Recorder) Stats() ([]models.StepStats, error) {
	outcomes, _, err := r.All()
	if err != nil {
		return nil, err
	}

	type key struct {
		cadenceID string
		stepIndex int
	}
	agg := make(map[key]*models.StepStats)
	for _, o := range outcomes {
		k := key{o.CadenceID, o.StepIndex}
		st, ok := agg[k]
		if !ok {
			st = &models.StepStats{
				CadenceID:  o.CadenceID,
				StepIndex:  o.StepIndex,
				ActionType: o.ActionType,
				Channel:    o.Channel,
			}
			agg[k] = st
		}
		if st.ActionType == "" {
			st.ActionType = o.ActionType
		}
		switch o.Outcome {
		case models.OutcomeSent:
			st.SentCount++
		case models.OutcomeSkipped:
			st.SkipCount++
		case models.OutcomeFailed:
			st.FailCount++
		case models.OutcomeReplied, models.OutcomeMeeting:
			st.ReplyCount++
		case models.OutcomeBounced, models.OutcomeUnsubscribed:
			st.FailCount++
		}
	}

	stats := make([]models.StepStats, 0, len(agg))
	for _, st := range agg {
		if st.SentCount > 0 {
			st.ReplyRate = float64(st.ReplyCount) / float64(st.SentCount)
		}
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].CadenceID != stats[j].CadenceID {
			return stats[i].CadenceID < stats[j].CadenceID
		}
		return stats[i].StepIndex < stats[j].StepIndex
	})
	return stats, nil
}
