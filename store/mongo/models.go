package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/id"
	"github.com/xraph/dagrun/recovery"
)

// ── Run model ─────────────────────────────────────────────────────

// runModel stores the run document as JSON bytes alongside extracted
// fields for indexed filtering.
type runModel struct {
	ID        string    `bson:"_id"`
	DAGID     string    `bson:"dag_id"`
	Status    string    `bson:"status"`
	Document  []byte    `bson:"document"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toRunModel(run *dag.Run) (*runModel, error) {
	doc, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("dagrun/mongo: marshal run %s: %w", run.ID, err)
	}
	return &runModel{
		ID:        run.ID.String(),
		DAGID:     run.DAGID,
		Status:    string(run.Status),
		Document:  doc,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}, nil
}

func fromRunModel(m *runModel) (*dag.Run, error) {
	var run dag.Run
	if err := json.Unmarshal(m.Document, &run); err != nil {
		return nil, fmt.Errorf("dagrun/mongo: decode run %s: %w", m.ID, err)
	}
	return &run, nil
}

// ── Checkpoint models ─────────────────────────────────────────────

type checkpointModel struct {
	TaskID    string    `bson:"task_id"`
	Document  []byte    `bson:"document"`
	Timestamp time.Time `bson:"timestamp"`
}

// checkpointHistoryModel keys history entries by checkpoint ID.
// Checkpoint IDs are K-sortable, so sorting by _id replays in
// append order.
type checkpointHistoryModel struct {
	ID        string    `bson:"_id"`
	TaskID    string    `bson:"task_id"`
	Document  []byte    `bson:"document"`
	Timestamp time.Time `bson:"timestamp"`
}

func checkpointDocument(cp *recovery.Checkpoint) ([]byte, error) {
	doc, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("dagrun/mongo: marshal checkpoint for %q: %w", cp.TaskID, err)
	}
	return doc, nil
}

// ── Record model ──────────────────────────────────────────────────

type recordModel struct {
	ID           string    `bson:"_id"`
	TaskID       string    `bson:"task_id"`
	Timestamp    time.Time `bson:"timestamp"`
	ErrorType    string    `bson:"error_type"`
	ErrorMessage string    `bson:"error_message"`
	Strategy     string    `bson:"strategy"`
	Success      bool      `bson:"success"`
	Attempt      int       `bson:"attempt"`
	Trace        string    `bson:"trace,omitempty"`
}

func toRecordModel(rec *recovery.Record) *recordModel {
	return &recordModel{
		ID:           rec.ID.String(),
		TaskID:       rec.TaskID,
		Timestamp:    rec.Timestamp,
		ErrorType:    string(rec.ErrorKind),
		ErrorMessage: rec.ErrorMessage,
		Strategy:     string(rec.Strategy),
		Success:      rec.Success,
		Attempt:      rec.Attempt,
		Trace:        rec.Trace,
	}
}

func fromRecordModel(m *recordModel) (*recovery.Record, error) {
	parsedID, err := id.ParseRecordID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("dagrun/mongo: parse record id %q: %w", m.ID, err)
	}
	return &recovery.Record{
		ID:           parsedID,
		TaskID:       m.TaskID,
		Timestamp:    m.Timestamp,
		ErrorKind:    recovery.Kind(m.ErrorType),
		ErrorMessage: m.ErrorMessage,
		Strategy:     recovery.Strategy(m.Strategy),
		Success:      m.Success,
		Attempt:      m.Attempt,
		Trace:        m.Trace,
	}, nil
}

// ── Escalation model ──────────────────────────────────────────────

type escalationModel struct {
	TaskID       string    `bson:"task_id"`
	Timestamp    time.Time `bson:"timestamp"`
	ErrorMessage string    `bson:"error_message"`
	Trace        string    `bson:"trace,omitempty"`
}
