package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/pkg/micro"
)

// Postgres implements Store on database/sql + lib/pq. All transactions
// run at SERIALIZABLE so availability checks and the writes they guard
// see one snapshot.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects and configures the pool.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the pool for migrations.
func (p *Postgres) DB() *sql.DB { return p.db }

// WithinTx runs fn in one serializable transaction.
func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translatePQ(err)
	}
	return nil
}

// translatePQ maps driver errors onto the store sentinels.
func translatePQ(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return errors.Wrap(ErrDuplicate, pqErr.Constraint)
		case "40001": // serialization_failure
			return errors.Wrap(ErrSerialization, "transaction conflict")
		}
	}
	return err
}

// ErrSerialization marks a lost serializable-isolation race; callers
// retry the whole operation.
var ErrSerialization = errors.New("store: serialization failure")

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Ledger() LedgerRepo          { return &pgLedger{t.tx} }
func (t *pgTx) Balances() BalanceRepo       { return &pgBalances{t.tx} }
func (t *pgTx) Epochs() EpochRepo           { return &pgEpochs{t.tx} }
func (t *pgTx) Transfers() TransferRepo     { return &pgTransfers{t.tx} }
func (t *pgTx) Nonces() NonceRepo           { return &pgNonces{t.tx} }
func (t *pgTx) Withdrawals() WithdrawalRepo { return &pgWithdrawals{t.tx} }
func (t *pgTx) Governance() GovRepo         { return &pgGov{t.tx} }

type pgLedger struct{ tx *sql.Tx }

func (r *pgLedger) Insert(ctx context.Context, e *LedgerEntry) error {
	err := r.tx.QueryRowContext(ctx,
		`INSERT INTO ledger (ts, epoch, account, delta_micro, reason)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.Timestamp, e.Epoch, e.Account, int64(e.Delta), e.Reason,
	).Scan(&e.ID)
	return errors.Wrap(translatePQ(err), "inserting ledger entry")
}

func (r *pgLedger) ByAccount(ctx context.Context, account string, limit int) ([]LedgerEntry, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT id, ts, epoch, account, delta_micro, reason
		 FROM ledger WHERE account = $1 ORDER BY id DESC LIMIT $2`,
		account, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying ledger")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *pgLedger) ByEpochReason(ctx context.Context, epoch int64, reasonPrefix string) ([]LedgerEntry, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT id, ts, epoch, account, delta_micro, reason
		 FROM ledger WHERE epoch = $1 AND reason LIKE $2 || '%' ORDER BY id`,
		epoch, reasonPrefix,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying ledger by epoch")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var delta int64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Epoch, &e.Account, &delta, &e.Reason); err != nil {
			return nil, errors.Wrap(err, "scanning ledger entry")
		}
		e.Delta = micro.Amount(delta)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgLedger) SumDeltas(ctx context.Context, account string) (micro.Amount, error) {
	var sum int64
	err := r.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta_micro), 0) FROM ledger WHERE account = $1`,
		account,
	).Scan(&sum)
	return micro.Amount(sum), errors.Wrap(err, "summing ledger deltas")
}

type pgBalances struct{ tx *sql.Tx }

func (r *pgBalances) Get(ctx context.Context, account string) (micro.Amount, error) {
	var amt int64
	err := r.tx.QueryRowContext(ctx,
		`SELECT amount_micro FROM balances WHERE account = $1`, account,
	).Scan(&amt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return micro.Amount(amt), errors.Wrap(err, "reading balance")
}

func (r *pgBalances) GetForUpdate(ctx context.Context, account string) (micro.Amount, error) {
	// Ensure the row exists so FOR UPDATE has something to lock.
	if _, err := r.tx.ExecContext(ctx,
		`INSERT INTO balances (account, amount_micro) VALUES ($1, 0)
		 ON CONFLICT (account) DO NOTHING`, account,
	); err != nil {
		return 0, errors.Wrap(err, "ensuring balance row")
	}
	var amt int64
	err := r.tx.QueryRowContext(ctx,
		`SELECT amount_micro FROM balances WHERE account = $1 FOR UPDATE`, account,
	).Scan(&amt)
	return micro.Amount(amt), errors.Wrap(err, "locking balance row")
}

func (r *pgBalances) Set(ctx context.Context, account string, amount micro.Amount) error {
	_, err := r.tx.ExecContext(ctx,
		`UPDATE balances SET amount_micro = $1 WHERE account = $2`,
		int64(amount), account,
	)
	return errors.Wrap(err, "updating balance")
}

func (r *pgBalances) All(ctx context.Context) (map[string]micro.Amount, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT account, amount_micro FROM balances`)
	if err != nil {
		return nil, errors.Wrap(err, "querying balances")
	}
	defer rows.Close()
	out := map[string]micro.Amount{}
	for rows.Next() {
		var account string
		var amt int64
		if err := rows.Scan(&account, &amt); err != nil {
			return nil, errors.Wrap(err, "scanning balance")
		}
		out[account] = micro.Amount(amt)
	}
	return out, rows.Err()
}

type pgEpochs struct{ tx *sql.Tx }

func (r *pgEpochs) Enroll(ctx context.Context, e Enrollment) error {
	if _, err := r.tx.ExecContext(ctx,
		`INSERT INTO epoch_enroll (epoch, account, weight) VALUES ($1, $2, $3)
		 ON CONFLICT (epoch, account) DO UPDATE SET weight = EXCLUDED.weight`,
		e.Epoch, e.Account, e.Weight,
	); err != nil {
		return errors.Wrap(err, "upserting enrollment")
	}
	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO epoch_state (epoch, settled) VALUES ($1, FALSE)
		 ON CONFLICT (epoch) DO NOTHING`, e.Epoch,
	)
	return errors.Wrap(err, "ensuring epoch state")
}

func (r *pgEpochs) Enrollments(ctx context.Context, epoch int64) ([]Enrollment, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT epoch, account, weight FROM epoch_enroll WHERE epoch = $1 ORDER BY account`,
		epoch,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying enrollments")
	}
	defer rows.Close()
	var out []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.Epoch, &e.Account, &e.Weight); err != nil {
			return nil, errors.Wrap(err, "scanning enrollment")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgEpochs) Weight(ctx context.Context, epoch int64, account string) (float64, bool, error) {
	var w float64
	err := r.tx.QueryRowContext(ctx,
		`SELECT weight FROM epoch_enroll WHERE epoch = $1 AND account = $2`,
		epoch, account,
	).Scan(&w)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return w, err == nil, errors.Wrap(err, "reading enrollment weight")
}

func (r *pgEpochs) State(ctx context.Context, epoch int64) (EpochState, error) {
	st := EpochState{Epoch: epoch}
	var settledAt sql.NullTime
	err := r.tx.QueryRowContext(ctx,
		`SELECT settled, settled_at FROM epoch_state WHERE epoch = $1`, epoch,
	).Scan(&st.Settled, &settledAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, errors.Wrap(err, "reading epoch state")
	}
	if settledAt.Valid {
		t := settledAt.Time
		st.SettledAt = &t
	}
	return st, nil
}

func (r *pgEpochs) MarkSettled(ctx context.Context, epoch int64, at time.Time) (bool, error) {
	if _, err := r.tx.ExecContext(ctx,
		`INSERT INTO epoch_state (epoch, settled) VALUES ($1, FALSE)
		 ON CONFLICT (epoch) DO NOTHING`, epoch,
	); err != nil {
		return false, errors.Wrap(err, "ensuring epoch state")
	}
	res, err := r.tx.ExecContext(ctx,
		`UPDATE epoch_state SET settled = TRUE, settled_at = $1
		 WHERE epoch = $2 AND settled = FALSE`,
		at, epoch,
	)
	if err != nil {
		return false, errors.Wrap(err, "marking epoch settled")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "checking settled rows")
}

type pgTransfers struct{ tx *sql.Tx }

func (r *pgTransfers) Insert(ctx context.Context, t *PendingTransfer) error {
	err := r.tx.QueryRowContext(ctx,
		`INSERT INTO pending_ledger
		 (epoch, from_account, to_account, amount_micro, reason, status, created_at, confirms_at, tx_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		t.Epoch, t.From, t.To, int64(t.Amount), t.Reason, string(t.Status),
		t.CreatedAt, t.ConfirmsAt, t.TxHash,
	).Scan(&t.ID)
	return errors.Wrap(translatePQ(err), "inserting pending transfer")
}

const transferCols = `id, epoch, from_account, to_account, amount_micro, reason, status,
	created_at, confirms_at, tx_hash, COALESCE(voided_by, ''), COALESCE(voided_reason, ''), confirmed_at`

func scanTransfer(row interface{ Scan(...interface{}) error }) (*PendingTransfer, error) {
	var t PendingTransfer
	var amt int64
	var status string
	var confirmedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Epoch, &t.From, &t.To, &amt, &t.Reason, &status,
		&t.CreatedAt, &t.ConfirmsAt, &t.TxHash, &t.VoidedBy, &t.VoidedReason, &confirmedAt)
	if err != nil {
		return nil, err
	}
	t.Amount = micro.Amount(amt)
	t.Status = TransferStatus(status)
	if confirmedAt.Valid {
		ts := confirmedAt.Time
		t.ConfirmedAt = &ts
	}
	return &t, nil
}

func (r *pgTransfers) Get(ctx context.Context, id int64) (*PendingTransfer, error) {
	t, err := scanTransfer(r.tx.QueryRowContext(ctx,
		`SELECT `+transferCols+` FROM pending_ledger WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, errors.Wrap(err, "reading pending transfer")
}

func (r *pgTransfers) GetByHash(ctx context.Context, txHash string) (*PendingTransfer, error) {
	t, err := scanTransfer(r.tx.QueryRowContext(ctx,
		`SELECT `+transferCols+` FROM pending_ledger WHERE tx_hash = $1`, txHash))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, errors.Wrap(err, "reading pending transfer by hash")
}

func (r *pgTransfers) PendingDebits(ctx context.Context, account string) (micro.Amount, error) {
	var sum int64
	err := r.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_micro), 0) FROM pending_ledger
		 WHERE from_account = $1 AND status = 'pending'`, account,
	).Scan(&sum)
	return micro.Amount(sum), errors.Wrap(err, "summing pending debits")
}

func (r *pgTransfers) Due(ctx context.Context, now time.Time) ([]PendingTransfer, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT `+transferCols+` FROM pending_ledger
		 WHERE status = 'pending' AND confirms_at <= $1 ORDER BY id`, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying due transfers")
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (r *pgTransfers) List(ctx context.Context, status TransferStatus, limit int) ([]PendingTransfer, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = r.tx.QueryContext(ctx,
			`SELECT `+transferCols+` FROM pending_ledger ORDER BY id DESC LIMIT $1`, limit)
	} else {
		rows, err = r.tx.QueryContext(ctx,
			`SELECT `+transferCols+` FROM pending_ledger WHERE status = $1 ORDER BY id DESC LIMIT $2`,
			string(status), limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing transfers")
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func collectTransfers(rows *sql.Rows) ([]PendingTransfer, error) {
	var out []PendingTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning transfer")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *pgTransfers) MarkConfirmed(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := r.tx.ExecContext(ctx,
		`UPDATE pending_ledger SET status = 'confirmed', confirmed_at = $1
		 WHERE id = $2 AND status = 'pending'`, at, id,
	)
	if err != nil {
		return false, errors.Wrap(err, "confirming transfer")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "checking confirmed rows")
}

func (r *pgTransfers) MarkVoided(ctx context.Context, id int64, by, reason string) (bool, error) {
	res, err := r.tx.ExecContext(ctx,
		`UPDATE pending_ledger SET status = 'voided', voided_by = $1, voided_reason = $2
		 WHERE id = $3 AND status = 'pending'`, by, reason, id,
	)
	if err != nil {
		return false, errors.Wrap(err, "voiding transfer")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "checking voided rows")
}

type pgNonces struct{ tx *sql.Tx }

func nonceTable(kind NonceKind) string {
	if kind == NonceWithdrawal {
		return "withdrawal_nonces"
	}
	return "transfer_nonces"
}

func (r *pgNonces) Claim(ctx context.Context, kind NonceKind, account, nonce string, at time.Time) (bool, time.Time, error) {
	res, err := r.tx.ExecContext(ctx,
		`INSERT INTO `+nonceTable(kind)+` (account, nonce, used_at) VALUES ($1, $2, $3)
		 ON CONFLICT (account, nonce) DO NOTHING`,
		account, nonce, at,
	)
	if err != nil {
		return false, time.Time{}, errors.Wrap(err, "claiming nonce")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, time.Time{}, errors.Wrap(err, "checking nonce rows")
	}
	if n == 1 {
		return true, at, nil
	}
	var usedAt time.Time
	err = r.tx.QueryRowContext(ctx,
		`SELECT used_at FROM `+nonceTable(kind)+` WHERE account = $1 AND nonce = $2`,
		account, nonce,
	).Scan(&usedAt)
	return false, usedAt, errors.Wrap(err, "reading prior nonce use")
}

type pgWithdrawals struct{ tx *sql.Tx }

func (r *pgWithdrawals) Insert(ctx context.Context, w *Withdrawal) error {
	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO withdrawals
		 (id, account, amount_micro, fee_micro, destination, signature, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.Account, int64(w.Amount), int64(w.Fee), w.Destination,
		w.Signature, string(w.Status), w.CreatedAt,
	)
	return errors.Wrap(translatePQ(err), "inserting withdrawal")
}

const withdrawalCols = `id, account, amount_micro, fee_micro, destination, signature, status,
	created_at, processed_at, COALESCE(tx_hash, ''), COALESCE(error_msg, '')`

func scanWithdrawal(row interface{ Scan(...interface{}) error }) (*Withdrawal, error) {
	var w Withdrawal
	var amt, fee int64
	var status string
	var processedAt sql.NullTime
	err := row.Scan(&w.ID, &w.Account, &amt, &fee, &w.Destination, &w.Signature,
		&status, &w.CreatedAt, &processedAt, &w.TxHash, &w.ErrorMsg)
	if err != nil {
		return nil, err
	}
	w.Amount = micro.Amount(amt)
	w.Fee = micro.Amount(fee)
	w.Status = WithdrawalStatus(status)
	if processedAt.Valid {
		ts := processedAt.Time
		w.ProcessedAt = &ts
	}
	return &w, nil
}

func (r *pgWithdrawals) Get(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(r.tx.QueryRowContext(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, errors.Wrap(err, "reading withdrawal")
}

func (r *pgWithdrawals) ByAccount(ctx context.Context, account string, limit int) ([]Withdrawal, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals
		 WHERE account = $1 ORDER BY created_at DESC LIMIT $2`, account, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing withdrawals")
	}
	defer rows.Close()
	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning withdrawal")
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (r *pgWithdrawals) DayTotal(ctx context.Context, account, day string) (micro.Amount, error) {
	var total int64
	err := r.tx.QueryRowContext(ctx,
		`SELECT total_micro FROM withdrawal_limits WHERE account = $1 AND day = $2`,
		account, day,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return micro.Amount(total), errors.Wrap(err, "reading day total")
}

func (r *pgWithdrawals) AddDayTotal(ctx context.Context, account, day string, amount micro.Amount) error {
	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO withdrawal_limits (account, day, total_micro) VALUES ($1, $2, $3)
		 ON CONFLICT (account, day) DO UPDATE SET total_micro = withdrawal_limits.total_micro + EXCLUDED.total_micro`,
		account, day, int64(amount),
	)
	return errors.Wrap(err, "accumulating day total")
}

func (r *pgWithdrawals) Key(ctx context.Context, account string) (*WithdrawalKey, error) {
	var k WithdrawalKey
	err := r.tx.QueryRowContext(ctx,
		`SELECT account, pubkey_hex, registered_at FROM withdrawal_keys WHERE account = $1`,
		account,
	).Scan(&k.Account, &k.PubKeyHex, &k.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &k, errors.Wrap(err, "reading withdrawal key")
}

func (r *pgWithdrawals) PutKey(ctx context.Context, k WithdrawalKey, replace bool) error {
	existing, err := r.Key(ctx, k.Account)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil && existing.PubKeyHex != k.PubKeyHex && !replace {
		return ErrDuplicate
	}
	_, err = r.tx.ExecContext(ctx,
		`INSERT INTO withdrawal_keys (account, pubkey_hex, registered_at) VALUES ($1, $2, $3)
		 ON CONFLICT (account) DO UPDATE SET pubkey_hex = EXCLUDED.pubkey_hex, registered_at = EXCLUDED.registered_at`,
		k.Account, k.PubKeyHex, k.RegisteredAt,
	)
	return errors.Wrap(err, "storing withdrawal key")
}

type pgGov struct{ tx *sql.Tx }

type memberJSON struct {
	SignerID  int64  `json:"signer_id"`
	PubKeyHex string `json:"pubkey_hex"`
}

func encodeMembers(members []Signer) (string, error) {
	out := make([]memberJSON, 0, len(members))
	for _, m := range members {
		out = append(out, memberJSON{SignerID: m.ID, PubKeyHex: m.PubKeyHex})
	}
	b, err := json.Marshal(out)
	return string(b), errors.Wrap(err, "encoding members")
}

func decodeMembers(s string) ([]Signer, error) {
	var raw []memberJSON
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, errors.Wrap(err, "decoding members")
	}
	out := make([]Signer, 0, len(raw))
	for _, m := range raw {
		out = append(out, Signer{ID: m.SignerID, PubKeyHex: m.PubKeyHex})
	}
	return out, nil
}

func (r *pgGov) Stage(ctx context.Context, p *RotationProposal) error {
	membersJSON, err := encodeMembers(p.Members)
	if err != nil {
		return err
	}
	if _, err := r.tx.ExecContext(ctx,
		`INSERT INTO gov_rotation_proposals (epoch_effective, threshold, members_json, created_at, committed)
		 VALUES ($1, $2, $3, $4, FALSE)
		 ON CONFLICT (epoch_effective) DO UPDATE SET
		   threshold = EXCLUDED.threshold, members_json = EXCLUDED.members_json,
		   created_at = EXCLUDED.created_at, committed = FALSE, committed_at = NULL`,
		p.EpochEffective, p.Threshold, membersJSON, p.CreatedAt,
	); err != nil {
		return errors.Wrap(err, "staging proposal")
	}
	// Prior approvals signed a different canonical message.
	_, err = r.tx.ExecContext(ctx,
		`DELETE FROM gov_rotation_approvals WHERE epoch_effective = $1`, p.EpochEffective)
	return errors.Wrap(err, "clearing stale approvals")
}

func (r *pgGov) Proposal(ctx context.Context, epochEffective int64) (*RotationProposal, error) {
	var p RotationProposal
	var membersJSON string
	var committedAt sql.NullTime
	err := r.tx.QueryRowContext(ctx,
		`SELECT epoch_effective, threshold, members_json, created_at, committed, committed_at
		 FROM gov_rotation_proposals WHERE epoch_effective = $1`, epochEffective,
	).Scan(&p.EpochEffective, &p.Threshold, &membersJSON, &p.CreatedAt, &p.Committed, &committedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading proposal")
	}
	if committedAt.Valid {
		ts := committedAt.Time
		p.CommittedAt = &ts
	}
	if p.Members, err = decodeMembers(membersJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgGov) AddApproval(ctx context.Context, a Approval) (bool, error) {
	res, err := r.tx.ExecContext(ctx,
		`INSERT INTO gov_rotation_approvals (epoch_effective, signer_id, sig_hex, approved_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (epoch_effective, signer_id) DO NOTHING`,
		a.EpochEffective, a.SignerID, a.SigHex, a.ApprovedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "inserting approval")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "checking approval rows")
}

func (r *pgGov) ApprovalCount(ctx context.Context, epochEffective int64) (int, error) {
	var n int
	err := r.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gov_rotation_approvals WHERE epoch_effective = $1`,
		epochEffective,
	).Scan(&n)
	return n, errors.Wrap(err, "counting approvals")
}

func (r *pgGov) Commit(ctx context.Context, epochEffective int64, at time.Time) (bool, error) {
	res, err := r.tx.ExecContext(ctx,
		`UPDATE gov_rotation_proposals SET committed = TRUE, committed_at = $1
		 WHERE epoch_effective = $2 AND committed = FALSE`, at, epochEffective,
	)
	if err != nil {
		return false, errors.Wrap(err, "committing rotation")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "checking commit rows")
}

func (r *pgGov) ActiveSigners(ctx context.Context) ([]Signer, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT signer_id, pubkey_hex, active FROM gov_signers WHERE active ORDER BY signer_id`)
	if err != nil {
		return nil, errors.Wrap(err, "querying signers")
	}
	defer rows.Close()
	var out []Signer
	for rows.Next() {
		var s Signer
		if err := rows.Scan(&s.ID, &s.PubKeyHex, &s.Active); err != nil {
			return nil, errors.Wrap(err, "scanning signer")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgGov) Signer(ctx context.Context, id int64) (*Signer, error) {
	var s Signer
	err := r.tx.QueryRowContext(ctx,
		`SELECT signer_id, pubkey_hex, active FROM gov_signers WHERE signer_id = $1`, id,
	).Scan(&s.ID, &s.PubKeyHex, &s.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &s, errors.Wrap(err, "reading signer")
}

func (r *pgGov) InstallSigners(ctx context.Context, members []Signer) error {
	if _, err := r.tx.ExecContext(ctx, `UPDATE gov_signers SET active = FALSE`); err != nil {
		return errors.Wrap(err, "deactivating signers")
	}
	for _, m := range members {
		if _, err := r.tx.ExecContext(ctx,
			`INSERT INTO gov_signers (signer_id, pubkey_hex, active) VALUES ($1, $2, TRUE)
			 ON CONFLICT (signer_id) DO UPDATE SET pubkey_hex = EXCLUDED.pubkey_hex, active = TRUE`,
			m.ID, m.PubKeyHex,
		); err != nil {
			return errors.Wrap(err, "installing signer")
		}
	}
	return nil
}
