package services

import (
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

// LedgerAdminService provisions ledgers and their credentials: the one-time
// feed token that authorizes bank statement imports and the actor tokens
// platform services present on ledger calls.
type LedgerAdminService struct {
	db        *sql.DB
	redis     *redis.Client
	audit     *audit.Recorder
	validator *ValidationHelper
}

func NewLedgerAdminService(db *sql.DB, redisClient *redis.Client, auditRecorder *audit.Recorder) *LedgerAdminService {
	return &LedgerAdminService{
		db:        db,
		redis:     redisClient,
		audit:     auditRecorder,
		validator: NewValidationHelper(),
	}
}

// CreateLedger provisions a new ledger
// @Summary Create a ledger
// @Description Provision a new ledger tenant. The response carries the bank feed token exactly once; it is stored hashed and cannot be recovered.
// @Tags ledgers
// @Accept json
// @Produce json
// @Param ledger body object{name=string,currency=string,default_creator_percent=number,settings=object} true "Ledger data"
// @Success 201 {object} object{ledger=models.Ledger,feed_token=string}
// @Failure 400 {object} ErrorResponse
// @Router /ledgers [post]
func (s *LedgerAdminService) CreateLedger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                  string          `json:"name" validate:"required,min=1,max=120"`
		Currency              string          `json:"currency" validate:"omitempty,len=3"`
		DefaultCreatorPercent *float64        `json:"default_creator_percent" validate:"omitempty,gte=0,lte=100"`
		Settings              models.Metadata `json:"settings"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	feedToken, err := generateFeedToken()
	if err != nil {
		SendErrorResponse(w, "Failed to create ledger", http.StatusInternalServerError, nil)
		return
	}
	tokenHash, err := hashToken(feedToken)
	if err != nil {
		SendErrorResponse(w, "Failed to create ledger", http.StatusInternalServerError, nil)
		return
	}

	now := time.Now()
	ledger := models.Ledger{
		LedgerID:              "led_" + uuid.New().String(),
		Name:                  req.Name,
		Status:                models.LedgerStatusActive,
		Currency:              currency,
		DefaultCreatorPercent: req.DefaultCreatorPercent,
		Settings:              req.Settings,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	_, err = s.db.Exec(`
		INSERT INTO ledgers (ledger_id, name, status, currency, default_creator_percent, settings, feed_token_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		ledger.LedgerID, ledger.Name, ledger.Status, ledger.Currency,
		ledger.DefaultCreatorPercent, ledger.Settings, tokenHash, now)
	if err != nil {
		log.Printf("[LEDGER] Failed to create ledger %s: %v", ledger.Name, err)
		SendErrorResponse(w, "Failed to create ledger", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[LEDGER] Created ledger %s (%s)", ledger.LedgerID, ledger.Name)
	s.audit.Record(audit.Event{
		LedgerID:       ledger.LedgerID,
		Action:         "create_ledger",
		EntityType:     "ledger",
		EntityID:       ledger.LedgerID,
		Actor:          requestActor(r),
		ResponseStatus: http.StatusCreated,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ledger":     ledger,
		"feed_token": feedToken,
	})
}

// GetLedger retrieves one ledger
// @Summary Get a ledger
// @Description Retrieve a ledger by its ID
// @Tags ledgers
// @Produce json
// @Param ledgerId path string true "Ledger ID"
// @Success 200 {object} models.Ledger
// @Failure 404 {object} ErrorResponse
// @Router /ledgers/{ledgerId} [get]
func (s *LedgerAdminService) GetLedger(w http.ResponseWriter, r *http.Request) {
	ledgerID := chi.URLParam(r, "ledgerId")

	ledger, err := s.fetchLedger(ledgerID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendServiceError(w, &NotFoundError{Entity: "ledger", ID: ledgerID})
		} else {
			SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ledger)
}

// ListLedgers lists all ledgers
// @Summary List ledgers
// @Description Get all provisioned ledgers
// @Tags ledgers
// @Produce json
// @Success 200 {object} object{ledgers=[]models.Ledger,count=int}
// @Router /ledgers [get]
func (s *LedgerAdminService) ListLedgers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT ledger_id, name, status, currency, default_creator_percent, settings, created_at, updated_at
		FROM ledgers
		ORDER BY created_at DESC`)
	if err != nil {
		log.Printf("[LEDGER] Failed to list ledgers: %v", err)
		SendErrorResponse(w, "Failed to fetch ledgers", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	ledgers := []models.Ledger{}
	for rows.Next() {
		var l models.Ledger
		if err := rows.Scan(&l.LedgerID, &l.Name, &l.Status, &l.Currency,
			&l.DefaultCreatorPercent, &l.Settings, &l.CreatedAt, &l.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch ledgers", http.StatusInternalServerError, nil)
			return
		}
		ledgers = append(ledgers, l)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ledgers": ledgers,
		"count":   len(ledgers),
	})
}

// UpdateLedger updates a ledger's mutable fields
// @Summary Update a ledger
// @Description Update a ledger's name, status or default creator percent
// @Tags ledgers
// @Accept json
// @Produce json
// @Param ledgerId path string true "Ledger ID"
// @Param ledger body object{name=string,status=string,default_creator_percent=number} true "Fields to update"
// @Success 200 {object} models.Ledger
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /ledgers/{ledgerId} [patch]
func (s *LedgerAdminService) UpdateLedger(w http.ResponseWriter, r *http.Request) {
	ledgerID := chi.URLParam(r, "ledgerId")

	var req struct {
		Name                  *string  `json:"name" validate:"omitempty,min=1,max=120"`
		Status                *string  `json:"status" validate:"omitempty,oneof=active suspended"`
		DefaultCreatorPercent *float64 `json:"default_creator_percent" validate:"omitempty,gte=0,lte=100"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Name == nil && req.Status == nil && req.DefaultCreatorPercent == nil {
		SendErrorResponse(w, "No fields to update", http.StatusBadRequest, nil)
		return
	}

	var sets []string
	var args []interface{}
	argIndex := 1

	if req.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", argIndex))
		args = append(args, *req.Name)
		argIndex++
	}
	if req.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *req.Status)
		argIndex++
	}
	if req.DefaultCreatorPercent != nil {
		sets = append(sets, fmt.Sprintf("default_creator_percent = $%d", argIndex))
		args = append(args, *req.DefaultCreatorPercent)
		argIndex++
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", argIndex))
	args = append(args, time.Now())
	argIndex++

	query := "UPDATE ledgers SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE ledger_id = $%d", argIndex)
	args = append(args, ledgerID)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		log.Printf("[LEDGER] Failed to update ledger %s: %v", ledgerID, err)
		SendErrorResponse(w, "Failed to update ledger", http.StatusInternalServerError, nil)
		return
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		SendServiceError(w, &NotFoundError{Entity: "ledger", ID: ledgerID})
		return
	}

	s.audit.Record(audit.Event{
		LedgerID:       ledgerID,
		Action:         "update_ledger",
		EntityType:     "ledger",
		EntityID:       ledgerID,
		Actor:          requestActor(r),
		ResponseStatus: http.StatusOK,
	})

	ledger, err := s.fetchLedger(ledgerID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ledger)
}

// RotateFeedToken replaces a ledger's bank feed token
// @Summary Rotate the bank feed token
// @Description Invalidate the current feed token and issue a new one. The new token is shown exactly once.
// @Tags ledgers
// @Produce json
// @Param ledgerId path string true "Ledger ID"
// @Success 200 {object} object{feed_token=string}
// @Failure 404 {object} ErrorResponse
// @Router /ledgers/{ledgerId}/feed-token [post]
func (s *LedgerAdminService) RotateFeedToken(w http.ResponseWriter, r *http.Request) {
	ledgerID := chi.URLParam(r, "ledgerId")

	feedToken, err := generateFeedToken()
	if err != nil {
		SendErrorResponse(w, "Failed to rotate feed token", http.StatusInternalServerError, nil)
		return
	}
	tokenHash, err := hashToken(feedToken)
	if err != nil {
		SendErrorResponse(w, "Failed to rotate feed token", http.StatusInternalServerError, nil)
		return
	}

	result, err := s.db.Exec(`
		UPDATE ledgers SET feed_token_hash = $1, updated_at = $2
		WHERE ledger_id = $3`, tokenHash, time.Now(), ledgerID)
	if err != nil {
		log.Printf("[LEDGER] Failed to rotate feed token for ledger %s: %v", ledgerID, err)
		SendErrorResponse(w, "Failed to rotate feed token", http.StatusInternalServerError, nil)
		return
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		SendServiceError(w, &NotFoundError{Entity: "ledger", ID: ledgerID})
		return
	}

	log.Printf("[LEDGER] Rotated feed token for ledger %s", ledgerID)
	s.audit.Record(audit.Event{
		LedgerID:       ledgerID,
		Action:         "rotate_feed_token",
		EntityType:     "ledger",
		EntityID:       ledgerID,
		Actor:          requestActor(r),
		ResponseStatus: http.StatusOK,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"feed_token": feedToken,
	})
}

// IssueActorToken mints a JWT for a platform service
// @Summary Issue an actor token
// @Description Mint a short-lived JWT carrying the actor and ledger claims. Requires the admin API key.
// @Tags auth
// @Accept json
// @Produce json
// @Param X-Admin-Key header string true "Admin API key"
// @Param request body object{actor=string,ledger_id=string} true "Token request"
// @Success 200 {object} object{token=string,expires_in=int}
// @Failure 401 {object} ErrorResponse
// @Router /auth/token [post]
func (s *LedgerAdminService) IssueActorToken(w http.ResponseWriter, r *http.Request) {
	adminKey := viper.GetString("admin.api_key")
	if adminKey == "" {
		SendErrorResponse(w, "Token issuance is not configured", http.StatusServiceUnavailable, nil)
		return
	}
	if r.Header.Get("X-Admin-Key") != adminKey {
		log.Printf("[AUTH] Rejected token request from IP: %s", r.RemoteAddr)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Actor    string `json:"actor" validate:"required,min=1,max=120"`
		LedgerID string `json:"ledger_id" validate:"required"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	token, err := generateActorToken(req.Actor, req.LedgerID)
	if err != nil {
		log.Printf("[AUTH] Failed to sign actor token: %v", err)
		SendErrorResponse(w, "Failed to issue token", http.StatusInternalServerError, nil)
		return
	}

	expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      token,
		"expires_in": int(expiry.Seconds()),
	})
}

// VerifyFeedToken checks a presented feed token against the ledger's stored
// hash. Used by the bank statement import endpoint.
func (s *LedgerAdminService) VerifyFeedToken(ledgerID, token string) bool {
	var tokenHash string
	err := s.db.QueryRow(`SELECT feed_token_hash FROM ledgers WHERE ledger_id = $1`, ledgerID).Scan(&tokenHash)
	if err != nil {
		return false
	}
	return verifyToken(token, tokenHash)
}

func (s *LedgerAdminService) fetchLedger(ledgerID string) (*models.Ledger, error) {
	ledger := &models.Ledger{}
	err := s.db.QueryRow(`
		SELECT ledger_id, name, status, currency, default_creator_percent, settings, created_at, updated_at
		FROM ledgers
		WHERE ledger_id = $1`, ledgerID).Scan(
		&ledger.LedgerID, &ledger.Name, &ledger.Status, &ledger.Currency,
		&ledger.DefaultCreatorPercent, &ledger.Settings, &ledger.CreatedAt, &ledger.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func generateActorToken(actor, ledgerID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       actor,
		"ledger_id": ledgerID,
		"exp":       time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func generateFeedToken() (string, error) {
	b := make([]byte, 32)
	if _, err := cryptorand.Read(b); err != nil {
		return "", err
	}
	return "feedtok_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(token), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyToken(token, hashedToken string) bool {
	parts := strings.Split(hashedToken, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(token), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
