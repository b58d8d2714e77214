package services

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"time"

	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// SnapshotService captures tamper-evident snapshots of a period's
// reconciliation state. Snapshots are append-only: the stored bytes are
// hashed with SHA-256 at creation and every read recomputes the hash over
// exactly those bytes, so any mutation of the stored data is detectable.
type SnapshotService struct {
	db  *sql.DB
	cfg *config.LedgerConfig
}

func NewSnapshotService(db *sql.DB) *SnapshotService {
	return &SnapshotService{
		db:  db,
		cfg: config.LoadLedgerConfig(),
	}
}

// snapshotDocument is the serialized snapshot payload. Field order is fixed
// by the struct and transactions are sorted by transaction id, so the same
// ledger state always serializes to the same bytes.
type snapshotDocument struct {
	LedgerID    string                `json:"ledger_id"`
	PeriodStart string                `json:"period_start"`
	PeriodEnd   string                `json:"period_end"`
	Matched     []snapshotTransaction `json:"matched"`
	Unmatched   []snapshotTransaction `json:"unmatched"`
	Summary     snapshotSummary       `json:"summary"`
}

type snapshotTransaction struct {
	TransactionID     string `json:"transaction_id"`
	ReferenceID       string `json:"reference_id"`
	Type              string `json:"type"`
	Status            string `json:"status"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	OccurredAt        string `json:"occurred_at"`
	BankTransactionID string `json:"bank_transaction_id,omitempty"`
}

type snapshotSummary struct {
	MatchedCount   int   `json:"matched_count"`
	MatchedTotal   int64 `json:"matched_total"`
	UnmatchedCount int   `json:"unmatched_count"`
	UnmatchedTotal int64 `json:"unmatched_total"`
}

// CreateSnapshot serializes the matched and unmatched transactions of the
// window, hashes the bytes and appends the snapshot.
func (ss *SnapshotService) CreateSnapshot(ledgerID string, periodStart, periodEnd time.Time, createdBy string) (*models.ReconciliationSnapshot, error) {
	if periodEnd.Before(periodStart) {
		return nil, NewValidationError("period_end", "must not precede period_start")
	}

	doc := snapshotDocument{
		LedgerID:    ledgerID,
		PeriodStart: periodStart.UTC().Format(time.RFC3339Nano),
		PeriodEnd:   periodEnd.UTC().Format(time.RFC3339Nano),
		Matched:     []snapshotTransaction{},
		Unmatched:   []snapshotTransaction{},
	}

	rows, err := ss.db.Query(`
		SELECT t.transaction_id, t.reference_id, t.type, t.status, t.amount, t.currency, t.occurred_at,
		       COALESCE(m.bank_transaction_id, '')
		FROM transactions t
		LEFT JOIN bank_matches m ON m.ledger_id = t.ledger_id AND m.transaction_id = t.transaction_id
		WHERE t.ledger_id = $1
		  AND t.occurred_at >= $2 AND t.occurred_at <= $3
		  AND t.status IN ($4, $5)
		ORDER BY t.transaction_id`,
		ledgerID, periodStart, periodEnd,
		models.TransactionStatusCompleted, models.TransactionStatusReconciled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tx snapshotTransaction
		var occurredAt time.Time
		if err := rows.Scan(&tx.TransactionID, &tx.ReferenceID, &tx.Type, &tx.Status,
			&tx.Amount, &tx.Currency, &occurredAt, &tx.BankTransactionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
		tx.OccurredAt = occurredAt.UTC().Format(time.RFC3339Nano)

		if tx.Status == models.TransactionStatusReconciled {
			doc.Summary.MatchedCount++
			doc.Summary.MatchedTotal += tx.Amount
			doc.Matched = append(doc.Matched, tx)
		} else {
			doc.Summary.UnmatchedCount++
			doc.Summary.UnmatchedTotal += tx.Amount
			doc.Unmatched = append(doc.Unmatched, tx)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	digest := sha256.Sum256(data)

	snapshot := &models.ReconciliationSnapshot{
		SnapshotID:     "snap_" + uuid.New().String(),
		LedgerID:       ledgerID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		SnapshotData:   data,
		IntegrityHash:  hex.EncodeToString(digest[:]),
		MatchedCount:   doc.Summary.MatchedCount,
		MatchedTotal:   doc.Summary.MatchedTotal,
		UnmatchedCount: doc.Summary.UnmatchedCount,
		UnmatchedTotal: doc.Summary.UnmatchedTotal,
		CreatedBy:      createdBy,
		CreatedAt:      time.Now(),
	}

	_, err = ss.db.Exec(`
		INSERT INTO reconciliation_snapshots
		    (snapshot_id, ledger_id, period_start, period_end, snapshot_data, integrity_hash,
		     matched_count, matched_total, unmatched_count, unmatched_total, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		snapshot.SnapshotID, snapshot.LedgerID, snapshot.PeriodStart, snapshot.PeriodEnd,
		string(snapshot.SnapshotData), snapshot.IntegrityHash,
		snapshot.MatchedCount, snapshot.MatchedTotal, snapshot.UnmatchedCount, snapshot.UnmatchedTotal,
		snapshot.CreatedBy, snapshot.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	log.Printf("[SNAPSHOT] Created %s for ledger %s: %d matched, %d unmatched, hash %s",
		snapshot.SnapshotID, ledgerID, snapshot.MatchedCount, snapshot.UnmatchedCount, snapshot.IntegrityHash)
	return snapshot, nil
}

// GetSnapshot loads a snapshot and verifies its integrity by recomputing
// SHA-256 over the stored bytes. A false result means the stored data no
// longer matches the hash recorded at creation; the snapshot is returned
// anyway so the caller can inspect the tampering.
func (ss *SnapshotService) GetSnapshot(snapshotID string) (*models.ReconciliationSnapshot, bool, error) {
	snapshot := &models.ReconciliationSnapshot{}
	var data string
	err := ss.db.QueryRow(`
		SELECT snapshot_id, ledger_id, period_start, period_end, snapshot_data, integrity_hash,
		       matched_count, matched_total, unmatched_count, unmatched_total, created_by, created_at
		FROM reconciliation_snapshots
		WHERE snapshot_id = $1`, snapshotID).Scan(
		&snapshot.SnapshotID, &snapshot.LedgerID, &snapshot.PeriodStart, &snapshot.PeriodEnd,
		&data, &snapshot.IntegrityHash,
		&snapshot.MatchedCount, &snapshot.MatchedTotal, &snapshot.UnmatchedCount, &snapshot.UnmatchedTotal,
		&snapshot.CreatedBy, &snapshot.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, &NotFoundError{Entity: "snapshot", ID: snapshotID}
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	snapshot.SnapshotData = json.RawMessage(data)

	digest := sha256.Sum256([]byte(data))
	valid := hex.EncodeToString(digest[:]) == snapshot.IntegrityHash
	if !valid {
		log.Printf("[SNAPSHOT] Integrity mismatch for %s: stored %s, computed %s",
			snapshotID, snapshot.IntegrityHash, hex.EncodeToString(digest[:]))
	}
	return snapshot, valid, nil
}

// ListSnapshots returns the snapshots of a ledger without their payloads,
// newest first.
func (ss *SnapshotService) ListSnapshots(ledgerID string) ([]models.ReconciliationSnapshot, error) {
	rows, err := ss.db.Query(`
		SELECT snapshot_id, ledger_id, period_start, period_end, integrity_hash,
		       matched_count, matched_total, unmatched_count, unmatched_total, created_by, created_at
		FROM reconciliation_snapshots
		WHERE ledger_id = $1
		ORDER BY created_at DESC`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []models.ReconciliationSnapshot{}
	for rows.Next() {
		var s models.ReconciliationSnapshot
		if err := rows.Scan(&s.SnapshotID, &s.LedgerID, &s.PeriodStart, &s.PeriodEnd, &s.IntegrityHash,
			&s.MatchedCount, &s.MatchedTotal, &s.UnmatchedCount, &s.UnmatchedTotal,
			&s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// SnapshotQR renders a QR code carrying the snapshot's id and integrity hash
// as a base64 PNG, for printing on statements so auditors can verify against
// the live API.
func (ss *SnapshotService) SnapshotQR(snapshotID string) (string, error) {
	snapshot, _, err := ss.GetSnapshot(snapshotID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]string{
		"snapshot_id":    snapshot.SnapshotID,
		"ledger_id":      snapshot.LedgerID,
		"integrity_hash": snapshot.IntegrityHash,
	})
	if err != nil {
		return "", err
	}

	qr, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(ss.cfg.SnapshotQRSize)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
