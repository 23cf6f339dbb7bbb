package experiment

import (
	"encoding/json"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/store"
)

// rowEventPayload is the payload shape shared by row-scoped experiment events.
type rowEventPayload struct {
	ConversationUUID string                   `json:"conversation_uuid,omitempty"`
	Turn             int                      `json:"turn,omitempty"`
	Reason           string                   `json:"reason,omitempty"`
	ErrorSlots       int                      `json:"error_slots,omitempty"`
	Result           *schema.EvaluationResult `json:"result,omitempty"`
}

// NewProgress builds the zeroed progress snapshot for a config: one pending
// row result per dataset row.
func NewProgress(config *schema.ExperimentConfig) *schema.ExperimentProgress {
	rows := make([]schema.RowResult, len(config.Rows))
	for i, row := range config.Rows {
		rows[i] = schema.RowResult{Index: row.Index, Status: schema.RowStatusPending}
	}
	return &schema.ExperimentProgress{
		ExperimentUUID: config.ExperimentUUID,
		Status:         schema.ExperimentStatusPending,
		Total:          len(config.Rows),
		RowResults:     rows,
	}
}

// ApplyEvent folds one durable event into the progress snapshot. The fold is
// pure: progress is never persisted directly, it is always reconstructible
// from the event log.
func ApplyEvent(p *schema.ExperimentProgress, ev *store.ExperimentEvent) {
	var payload rowEventPayload
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &payload)
	}

	switch ev.Type {
	case schema.EventExperimentStarted:
		p.Status = schema.ExperimentStatusRunning

	case schema.EventExperimentCancelRequested:
		p.Status = schema.ExperimentStatusCancelled

	case schema.EventExperimentCompleted:
		if p.Status != schema.ExperimentStatusCancelled {
			p.Status = schema.ExperimentStatusCompleted
		}

	case schema.EventRowStarted:
		if row := rowAt(p, ev.RowIndex); row != nil && !row.Status.IsTerminal() {
			retractRow(p, row)
			row.Status = schema.RowStatusRunning
		}

	case schema.EventRowDocumentCompleted:
		if row := rowAt(p, ev.RowIndex); row != nil {
			row.ConversationUUID = payload.ConversationUUID
		}

	case schema.EventRowEvaluationCompleted:
		row := rowAt(p, ev.RowIndex)
		if row == nil || payload.Result == nil {
			return
		}
		result := *payload.Result
		row.Evaluations = append(row.Evaluations, result)
		switch {
		case !result.Success:
			p.Errors++
		case result.HasPassed != nil && *result.HasPassed:
			p.Passed++
		case result.HasPassed != nil:
			p.Failed++
		}
		if result.Score != nil {
			p.TotalScore += *result.Score
		}

	case schema.EventRowCompleted:
		if row := rowAt(p, ev.RowIndex); row != nil && !row.Status.IsTerminal() {
			row.Status = schema.RowStatusCompleted
			p.Completed++
		}

	case schema.EventRowFailed:
		if row := rowAt(p, ev.RowIndex); row != nil && !row.Status.IsTerminal() {
			row.Status = schema.RowStatusFailed
			row.FailureReason = payload.Reason
			p.Completed++
			p.Errors += payload.ErrorSlots
		}
	}
}

// Replay reconstructs progress by folding the full event history.
func Replay(config *schema.ExperimentConfig, events []*store.ExperimentEvent) *schema.ExperimentProgress {
	p := NewProgress(config)
	for _, ev := range events {
		ApplyEvent(p, ev)
	}
	return p
}

// retractRow backs the row's unsettled outcomes out of the aggregate
// counters. A row that restarts after a crash appends fresh evaluation
// events, so the partial results checkpointed by the interrupted pass must
// not count twice.
func retractRow(p *schema.ExperimentProgress, row *schema.RowResult) {
	for _, result := range row.Evaluations {
		switch {
		case !result.Success:
			p.Errors--
		case result.HasPassed != nil && *result.HasPassed:
			p.Passed--
		case result.HasPassed != nil:
			p.Failed--
		}
		if result.Score != nil {
			p.TotalScore -= *result.Score
		}
	}
	row.Evaluations = nil
	row.ConversationUUID = ""
}

func rowAt(p *schema.ExperimentProgress, index int) *schema.RowResult {
	for i := range p.RowResults {
		if p.RowResults[i].Index == index {
			return &p.RowResults[i]
		}
	}
	return nil
}
