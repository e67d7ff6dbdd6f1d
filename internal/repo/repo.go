package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fleetline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const jobColumns = `id,reference,customer_name,vehicle_reg,collection_address,delivery_address,
status,stage,driver_id,multi_job_batch_id,is_split_journey,split_legs_json,has_damage_committed,
created_at,updated_at,status_updated_at,allocated_at,
collection_actual_start_time,collection_actual_complete_time,
delivery_actual_start_time,delivery_actual_complete_time,
aborted_at,cancelled_at,actual_duration`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var reference, customer, vehicleReg, collectionAddr, deliveryAddr, stage sql.NullString
	var driverID, batchID, splitLegs sql.NullString
	var allocatedAt, collStart, collComplete, delStart, delComplete, abortedAt, cancelledAt sql.NullString
	var actualDuration sql.NullInt64
	err := row.Scan(
		&j.ID, &reference, &customer, &vehicleReg, &collectionAddr, &deliveryAddr,
		&j.Status, &stage, &driverID, &batchID, &j.IsSplitJourney, &splitLegs, &j.HasDamageCommitted,
		&j.CreatedAt, &j.UpdatedAt, &j.StatusUpdatedAt, &allocatedAt,
		&collStart, &collComplete, &delStart, &delComplete,
		&abortedAt, &cancelledAt, &actualDuration,
	)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Reference = reference.String
	j.CustomerName = customer.String
	j.VehicleReg = vehicleReg.String
	j.CollectionAddr = collectionAddr.String
	j.DeliveryAddr = deliveryAddr.String
	j.Stage = stage.String
	j.DriverID = optional(driverID)
	j.MultiJobBatchID = optional(batchID)
	j.AllocatedAt = optional(allocatedAt)
	j.CollectionActualStartTime = optional(collStart)
	j.CollectionActualCompleteTime = optional(collComplete)
	j.DeliveryActualStartTime = optional(delStart)
	j.DeliveryActualCompleteTime = optional(delComplete)
	j.AbortedAt = optional(abortedAt)
	j.CancelledAt = optional(cancelledAt)
	if actualDuration.Valid {
		d := int(actualDuration.Int64)
		j.ActualDuration = &d
	}
	if splitLegs.Valid && splitLegs.String != "" {
		var legs domain.SplitJourneyLegs
		if err := json.Unmarshal([]byte(splitLegs.String), &legs); err != nil {
			return j, fmt.Errorf("decode split legs for job %s: %w", j.ID, err)
		}
		j.SplitLegs = &legs
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	legsJSON, err := marshalSplitLegs(j.SplitLegs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, nullable(j.Reference), nullable(j.CustomerName), nullable(j.VehicleReg),
		nullable(j.CollectionAddr), nullable(j.DeliveryAddr),
		j.Status, nullable(j.Stage), nullPtr(j.DriverID), nullPtr(j.MultiJobBatchID),
		j.IsSplitJourney, legsJSON, j.HasDamageCommitted,
		j.CreatedAt, j.UpdatedAt, j.StatusUpdatedAt, nullPtr(j.AllocatedAt),
		nullPtr(j.CollectionActualStartTime), nullPtr(j.CollectionActualCompleteTime),
		nullPtr(j.DeliveryActualStartTime), nullPtr(j.DeliveryActualCompleteTime),
		nullPtr(j.AbortedAt), nullPtr(j.CancelledAt), nullIntPtr(j.ActualDuration))
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return j, err
	}
	j.GeneralNotes, err = r.ListNotes(ctx, id)
	return j, err
}

func (r Repo) UpdateJob(ctx context.Context, j domain.Job) error {
	legsJSON, err := marshalSplitLegs(j.SplitLegs)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET
reference=?,customer_name=?,vehicle_reg=?,collection_address=?,delivery_address=?,
status=?,stage=?,driver_id=?,multi_job_batch_id=?,is_split_journey=?,split_legs_json=?,has_damage_committed=?,
updated_at=?,status_updated_at=?,allocated_at=?,
collection_actual_start_time=?,collection_actual_complete_time=?,
delivery_actual_start_time=?,delivery_actual_complete_time=?,
aborted_at=?,cancelled_at=?,actual_duration=?
WHERE id=?`,
		nullable(j.Reference), nullable(j.CustomerName), nullable(j.VehicleReg),
		nullable(j.CollectionAddr), nullable(j.DeliveryAddr),
		j.Status, nullable(j.Stage), nullPtr(j.DriverID), nullPtr(j.MultiJobBatchID),
		j.IsSplitJourney, legsJSON, j.HasDamageCommitted,
		j.UpdatedAt, j.StatusUpdatedAt, nullPtr(j.AllocatedAt),
		nullPtr(j.CollectionActualStartTime), nullPtr(j.CollectionActualCompleteTime),
		nullPtr(j.DeliveryActualStartTime), nullPtr(j.DeliveryActualCompleteTime),
		nullPtr(j.AbortedAt), nullPtr(j.CancelledAt), nullIntPtr(j.ActualDuration),
		j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteJob(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns jobs matching the visibility filter, newest update first,
// ties broken by created_at then id so the order is total and stable.
func (r Repo) ListJobs(ctx context.Context, driverID string, unallocatedOnly bool, limit int) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if driverID != "" {
		clauses = append(clauses, "driver_id=?")
		args = append(args, driverID)
	}
	if unallocatedOnly {
		clauses = append(clauses, "status=?")
		args = append(args, domain.StatusUnallocated)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY updated_at DESC, created_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// JobPatch is a partial bulk edit. Nil fields are left untouched;
// status_updated_at moves only when the patch carries it explicitly.
type JobPatch struct {
	Status          *string
	Stage           *string
	DriverID        *string
	CustomerName    *string
	VehicleReg      *string
	CollectionAddr  *string
	DeliveryAddr    *string
	StatusUpdatedAt *string
}

// BatchUpdateJobs applies the patch to every id in one transaction and stamps
// updated_at on each row.
func (r Repo) BatchUpdateJobs(ctx context.Context, ids []string, p JobPatch, updatedAt string) error {
	if len(ids) == 0 {
		return nil
	}
	var fields []string
	var args []any
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, nullable(*v))
		}
	}
	set("status", p.Status)
	set("stage", p.Stage)
	set("driver_id", p.DriverID)
	set("customer_name", p.CustomerName)
	set("vehicle_reg", p.VehicleReg)
	set("collection_address", p.CollectionAddr)
	set("delivery_address", p.DeliveryAddr)
	set("status_updated_at", p.StatusUpdatedAt)
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id=?`, strings.Join(fields, ","))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, query, append(args, id)...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
	}
	return tx.Commit()
}

func (r Repo) InsertNote(ctx context.Context, jobID string, n domain.JobNote) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO job_notes(id,job_id,author_id,author_name,content,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, jobID, n.AuthorID, nullable(n.AuthorName), n.Content, n.CreatedAt)
	return err
}

func (r Repo) ListNotes(ctx context.Context, jobID string) ([]domain.JobNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,author_id,COALESCE(author_name,''),content,created_at FROM job_notes WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []domain.JobNote
	for rows.Next() {
		var n domain.JobNote
		if err := rows.Scan(&n.ID, &n.AuthorID, &n.AuthorName, &n.Content, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// LatestEvents returns the newest events, optionally filtered by type and
// entity id.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if n <= 0 {
		n = 20
	}
	args = append(args, n)
	query := `SELECT id,ts,type,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to n events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, n int, cursor int64) ([]domain.Event, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the id of the newest event, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// --- helpers ---

func marshalSplitLegs(legs *domain.SplitJourneyLegs) (any, error) {
	if legs == nil {
		return nil, nil
	}
	b, err := json.Marshal(legs)
	if err != nil {
		return nil, fmt.Errorf("marshal split legs: %w", err)
	}
	return string(b), nil
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
