package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- cycles ---

func (r Repo) InsertCycleTx(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,report_id,status,description,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.ReportID, c.Status, nullable(c.Description), c.CreatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	var c domain.Cycle
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,report_id,status,description,created_at FROM cycles WHERE id=?`, id).
		Scan(&c.ID, &c.ReportID, &c.Status, &desc, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

func (r Repo) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,report_id,status,COALESCE(description,''),created_at FROM cycles ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.ID, &c.ReportID, &c.Status, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SingleCycle returns the only cycle in the workspace or an error when
// zero or several exist.
func (r Repo) SingleCycle(ctx context.Context) (domain.Cycle, error) {
	cycles, err := r.ListCycles(ctx)
	if err != nil {
		return domain.Cycle{}, err
	}
	if len(cycles) == 0 {
		return domain.Cycle{}, ErrNotFound
	}
	if len(cycles) > 1 {
		return domain.Cycle{}, fmt.Errorf("multiple cycles exist; specify --cycle")
	}
	return cycles[0], nil
}

// --- phases ---

func scanPhase(scan func(dest ...any) error) (domain.Phase, error) {
	var p domain.Phase
	var current sql.NullString
	err := scan(&p.ID, &p.CycleID, &p.Name, &p.Status, &current, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if current.Valid {
		p.CurrentVersionID = &current.String
	}
	return p, nil
}

const phaseCols = `id,cycle_id,name,status,current_version_id,created_at`

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(id,cycle_id,name,status,current_version_id,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.CycleID, p.Name, p.Status, nullableStringPtr(p.CurrentVersionID), p.CreatedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id)
	return scanPhase(row.Scan)
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id)
	return scanPhase(row.Scan)
}

func (r Repo) ListPhases(ctx context.Context, cycleID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE cycle_id=? ORDER BY created_at ASC, id ASC`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SwapCurrentVersionTx moves the phase's current-version pointer from
// expect to next. It is the compare-and-swap backing the single-current
// invariant; zero rows affected means the pointer changed underneath
// the caller.
func (r Repo) SwapCurrentVersionTx(ctx context.Context, tx *sql.Tx, phaseID string, expect *string, next string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE phases SET current_version_id=? WHERE id=? AND COALESCE(current_version_id,'')=COALESCE(?,'')`,
		next, phaseID, nullableStringPtr(expect))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("current version pointer moved for phase %s", phaseID)
	}
	return nil
}

// --- versions ---

const versionCols = `id,phase_id,sequence_number,status,parent_version_id,created_at,created_by,submitted_at,submitted_by,decided_at,decided_by,rejection_reason`

func scanVersion(scan func(dest ...any) error) (domain.Version, error) {
	var v domain.Version
	var parent, submittedAt, submittedBy, decidedAt, decidedBy, reason sql.NullString
	err := scan(&v.ID, &v.PhaseID, &v.SequenceNumber, &v.Status, &parent, &v.CreatedAt, &v.CreatedBy,
		&submittedAt, &submittedBy, &decidedAt, &decidedBy, &reason)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if parent.Valid {
		v.ParentVersionID = &parent.String
	}
	if submittedAt.Valid {
		v.SubmittedAt = &submittedAt.String
	}
	if submittedBy.Valid {
		v.SubmittedBy = &submittedBy.String
	}
	if decidedAt.Valid {
		v.DecidedAt = &decidedAt.String
	}
	if decidedBy.Valid {
		v.DecidedBy = &decidedBy.String
	}
	if reason.Valid {
		v.RejectionReason = &reason.String
	}
	return v, nil
}

func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO versions(id,phase_id,sequence_number,status,parent_version_id,created_at,created_by) VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.PhaseID, v.SequenceNumber, v.Status, nullableStringPtr(v.ParentVersionID), v.CreatedAt, v.CreatedBy)
	return err
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE id=?`, id)
	return scanVersion(row.Scan)
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Version, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE id=?`, id)
	return scanVersion(row.Scan)
}

// GetDraftTx returns the open draft for a phase, if any.
func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, phaseID string) (domain.Version, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND status='draft' LIMIT 1`, phaseID)
	return scanVersion(row.Scan)
}

// MaxSequenceTx returns the highest assigned sequence number for a
// phase, zero when no versions exist.
func (r Repo) MaxSequenceTx(ctx context.Context, tx *sql.Tx, phaseID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number),0) FROM versions WHERE phase_id=?`, phaseID).Scan(&seq)
	return seq, err
}

func (r Repo) MarkVersionSubmittedTx(ctx context.Context, tx *sql.Tx, id, actorID, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET status='pending_approval', submitted_at=?, submitted_by=? WHERE id=?`, ts, actorID, id)
	return err
}

func (r Repo) MarkVersionDecidedTx(ctx context.Context, tx *sql.Tx, id, status, actorID, ts string, reason *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET status=?, decided_at=?, decided_by=?, rejection_reason=? WHERE id=?`,
		status, ts, actorID, nullableStringPtr(reason), id)
	return err
}

func (r Repo) MarkVersionSupersededTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET status='superseded' WHERE id=? AND status='approved'`, id)
	return err
}

// ListVersionsPage returns versions for a phase with sequence numbers
// strictly greater than afterSeq, ascending, at most limit rows.
func (r Repo) ListVersionsPage(ctx context.Context, phaseID string, afterSeq, limit int) ([]domain.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND sequence_number>? ORDER BY sequence_number ASC LIMIT ?`,
		phaseID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- items ---

const itemCols = `id,version_id,kind,payload_json,tester_decision,tester_decided_at,tester_decided_by,tester_notes,owner_decision,owner_decided_at,owner_decided_by,owner_notes,carried_from_item_id,auto_approved,created_at`

func scanItem(scan func(dest ...any) error) (domain.Item, error) {
	var it domain.Item
	var tAt, tBy, tNotes, oAt, oBy, oNotes, carried sql.NullString
	var auto int
	err := scan(&it.ID, &it.VersionID, &it.Kind, &it.PayloadJSON, &it.TesterDecision, &tAt, &tBy, &tNotes,
		&it.OwnerDecision, &oAt, &oBy, &oNotes, &carried, &auto, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if tAt.Valid {
		it.TesterDecidedAt = &tAt.String
	}
	if tBy.Valid {
		it.TesterDecidedBy = &tBy.String
	}
	if tNotes.Valid {
		it.TesterNotes = &tNotes.String
	}
	if oAt.Valid {
		it.OwnerDecidedAt = &oAt.String
	}
	if oBy.Valid {
		it.OwnerDecidedBy = &oBy.String
	}
	if oNotes.Valid {
		it.OwnerNotes = &oNotes.String
	}
	if carried.Valid {
		it.CarriedFromItemID = &carried.String
	}
	it.AutoApproved = auto != 0
	return it, nil
}

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	auto := 0
	if it.AutoApproved {
		auto = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO items(id,version_id,kind,payload_json,tester_decision,tester_decided_at,tester_decided_by,tester_notes,owner_decision,owner_decided_at,owner_decided_by,owner_notes,carried_from_item_id,auto_approved,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.VersionID, it.Kind, it.PayloadJSON,
		it.TesterDecision, nullableStringPtr(it.TesterDecidedAt), nullableStringPtr(it.TesterDecidedBy), nullableStringPtr(it.TesterNotes),
		it.OwnerDecision, nullableStringPtr(it.OwnerDecidedAt), nullableStringPtr(it.OwnerDecidedBy), nullableStringPtr(it.OwnerNotes),
		nullableStringPtr(it.CarriedFromItemID), auto, it.CreatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (r Repo) DeleteItemTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListItems(ctx context.Context, versionID string) ([]domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemCols+` FROM items WHERE version_id=? ORDER BY created_at ASC, id ASC`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r Repo) ListItemsTx(ctx context.Context, tx *sql.Tx, versionID string) ([]domain.Item, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemCols+` FROM items WHERE version_id=? ORDER BY created_at ASC, id ASC`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]domain.Item, error) {
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) CountItemsTx(ctx context.Context, tx *sql.Tx, versionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE version_id=?`, versionID).Scan(&n)
	return n, err
}

func (r Repo) SetTesterDecisionTx(ctx context.Context, tx *sql.Tx, itemID, decision, actorID, ts string, notes *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE items SET tester_decision=?, tester_decided_at=?, tester_decided_by=?, tester_notes=? WHERE id=?`,
		decision, ts, actorID, nullableStringPtr(notes), itemID)
	return err
}

func (r Repo) SetOwnerDecisionTx(ctx context.Context, tx *sql.Tx, itemID, decision, actorID, ts string, notes *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE items SET owner_decision=?, owner_decided_at=?, owner_decided_by=?, owner_notes=? WHERE id=?`,
		decision, ts, actorID, nullableStringPtr(notes), itemID)
	return err
}

// --- idempotency ---

// GetIdempotencyTx returns the stored result for a token, ErrNotFound
// when the token has not been seen.
func (r Repo) GetIdempotencyTx(ctx context.Context, tx *sql.Tx, token string) (operation, entityID, resultJSON string, err error) {
	err = tx.QueryRowContext(ctx, `SELECT operation,entity_id,result_json FROM idempotency_keys WHERE token=?`, token).
		Scan(&operation, &entityID, &resultJSON)
	if err == sql.ErrNoRows {
		err = ErrNotFound
	}
	return
}

func (r Repo) InsertIdempotencyTx(ctx context.Context, tx *sql.Tx, token, operation, entityID, resultJSON, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys(token,operation,entity_id,result_json,created_at) VALUES (?,?,?,?,?)`,
		token, operation, entityID, resultJSON, ts)
	return err
}

// --- compensations ---

// ClaimCompensation records that compensation for an invocation is
// being applied. It returns false when the invocation was already
// claimed, which callers use to guarantee exactly-once execution.
func (r Repo) ClaimCompensation(ctx context.Context, c domain.Compensation) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO compensations(invocation_id,phase_id,action,status,error,created_at) VALUES (?,?,?,?,?,?)`,
		c.InvocationID, c.PhaseID, c.Action, c.Status, nullable(c.Error), c.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) FinishCompensation(ctx context.Context, invocationID, status, errMsg string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE compensations SET status=?, error=? WHERE invocation_id=?`,
		status, nullable(errMsg), invocationID)
	return err
}

func (r Repo) GetCompensation(ctx context.Context, invocationID string) (domain.Compensation, error) {
	var c domain.Compensation
	var errMsg sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT invocation_id,phase_id,action,status,error,created_at FROM compensations WHERE invocation_id=?`, invocationID).
		Scan(&c.InvocationID, &c.PhaseID, &c.Action, &c.Status, &errMsg, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if errMsg.Valid {
		c.Error = errMsg.String
	}
	return c, err
}

// --- events ---

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, cycleID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,cycle_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, cycleID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,cycle_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var cycleID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &cycleID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if cycleID.Valid {
			e.CycleID = cycleID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a cycle.
func (r Repo) LatestEventID(ctx context.Context, cycleID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE cycle_id=?`, cycleID).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
