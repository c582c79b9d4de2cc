package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/id"
	"github.com/xraph/dagrun/recovery"
)

// ── Run model ─────────────────────────────────────────────────────

// runModel stores the run document as JSONB alongside extracted
// columns for indexed filtering.
type runModel struct {
	bun.BaseModel `bun:"table:dagrun_runs"`

	ID        string    `bun:"id,pk"`
	DAGID     string    `bun:"dag_id,notnull"`
	Status    string    `bun:"status,notnull,default:'created'"`
	Document  []byte    `bun:"document,notnull,type:jsonb"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toRunModel(run *dag.Run) (*runModel, error) {
	doc, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("dagrun/bun: marshal run %s: %w", run.ID, err)
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
		return nil, fmt.Errorf("dagrun/bun: decode run %s: %w", m.ID, err)
	}
	return &run, nil
}

// ── Checkpoint models ─────────────────────────────────────────────

type checkpointModel struct {
	bun.BaseModel `bun:"table:dagrun_checkpoints"`

	TaskID    string    `bun:"task_id,pk"`
	Document  []byte    `bun:"document,notnull,type:jsonb"`
	Timestamp time.Time `bun:"timestamp,notnull"`
}

type checkpointHistoryModel struct {
	bun.BaseModel `bun:"table:dagrun_checkpoint_history"`

	Seq       int64     `bun:"seq,pk,autoincrement"`
	TaskID    string    `bun:"task_id,notnull"`
	Document  []byte    `bun:"document,notnull,type:jsonb"`
	Timestamp time.Time `bun:"timestamp,notnull"`
}

func checkpointDocument(cp *recovery.Checkpoint) ([]byte, error) {
	doc, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("dagrun/bun: marshal checkpoint for %q: %w", cp.TaskID, err)
	}
	return doc, nil
}

// ── Record model ──────────────────────────────────────────────────

type recordModel struct {
	bun.BaseModel `bun:"table:dagrun_records"`

	ID           string    `bun:"id,pk"`
	TaskID       string    `bun:"task_id,notnull"`
	Timestamp    time.Time `bun:"timestamp,notnull"`
	ErrorType    string    `bun:"error_type,notnull"`
	ErrorMessage string    `bun:"error_message"`
	Strategy     string    `bun:"strategy,notnull"`
	Success      bool      `bun:"success,notnull,default:false"`
	Attempt      int       `bun:"attempt,notnull,default:0"`
	Trace        string    `bun:"trace"`
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
		return nil, fmt.Errorf("dagrun/bun: parse record id %q: %w", m.ID, err)
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
	bun.BaseModel `bun:"table:dagrun_escalations"`

	Seq          int64     `bun:"seq,pk,autoincrement"`
	TaskID       string    `bun:"task_id,notnull"`
	Timestamp    time.Time `bun:"timestamp,notnull"`
	ErrorMessage string    `bun:"error_message"`
	Trace        string    `bun:"trace"`
}
