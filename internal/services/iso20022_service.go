package services

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/creatorpay/backend/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

// PayoutInstruction is the settlement-facing view of one payout transaction.
type PayoutInstruction struct {
	TransactionID   string `json:"transaction_id" validate:"required,max=64"`
	ReferenceID     string `json:"reference_id" validate:"required,max=128"`
	AmountCents     int64  `json:"amount_cents" validate:"required,gt=0"`
	Currency        string `json:"currency" validate:"required,len=3"`
	CreditorName    string `json:"creditor_name" validate:"required,max=140"`
	CreditorAccount string `json:"creditor_account" validate:"required,max=34"`
	BankCode        string `json:"bank_code" validate:"required,max=35"`
	MessageID       string `json:"message_id,omitempty"`
}

// ISO20022Service renders payout instructions as ISO 20022 messages for the
// settlement rail: pacs.008 credit transfers outbound, pacs.002 status
// reports for acknowledgements.
type ISO20022Service struct {
	redis     *redis.Client
	cfg       *config.LedgerConfig
	validator *ValidationHelper
}

func NewISO20022Service(redisClient *redis.Client) *ISO20022Service {
	return &ISO20022Service{
		redis:     redisClient,
		cfg:       config.LoadLedgerConfig(),
		validator: NewValidationHelper(),
	}
}

// ConvertPayout renders a payout instruction as pacs.008 XML
// @Summary Convert a payout to ISO 20022
// @Description Render a payout instruction as a pacs.008 FIToFICustomerCreditTransfer XML message
// @Tags iso20022
// @Accept json
// @Produce json
// @Param instruction body PayoutInstruction true "Payout instruction"
// @Success 200 {object} object{status=string,messageType=string,xml=string}
// @Failure 400 {object} ErrorResponse
// @Router /iso20022/convert [post]
func (iso *ISO20022Service) ConvertPayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutInstruction

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

	if err := iso.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	pacs008, err := iso.CreatePacs008(&req)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	xmlData, err := iso.ConvertToXML(pacs008)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "converted",
		"messageType": "pacs.008.001.08",
		"xml":         xmlData,
	})
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message for
// one payout. The platform is always the debtor side; the creditor agent is
// addressed by clearing system member id.
func (iso *ISO20022Service) CreatePacs008(p *PayoutInstruction) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgID := p.MessageID
	if msgID == "" {
		msgID = NewSettlementMessageID()
	}
	creDtTm := time.Now()
	settlementDate := time.Now()
	amount := float64(p.AmountCents) / 100

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(p.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(isoText(p.TransactionID))}[0],
					EndToEndId: common.Max35Text(isoText(p.ReferenceID)),
					TxId:       &[]common.Max35Text{common.Max35Text(isoText(p.TransactionID))}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(p.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(iso.cfg.PlatformBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(iso.cfg.PlatformName)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(p.BankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(p.CreditorName)}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 creates a pacs.002 payment status report for one payout.
func (iso *ISO20022Service) CreatePacs002(p *PayoutInstruction, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgID := NewSettlementMessageID()
	creDtTm := time.Now()

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(creDtTm),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(isoText(p.TransactionID))}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(isoText(p.ReferenceID))}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(isoText(p.TransactionID))}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0], // ACCP, RJCT, ACSC, etc.
			},
		},
	}

	return doc, nil
}

// QueueForSettlement renders the payout as pacs.008 XML and pushes it on the
// settlement queue. Without Redis the message is logged and the payout still
// stands; the dispatch can be replayed from the stored transaction.
func (iso *ISO20022Service) QueueForSettlement(p *PayoutInstruction) error {
	pacs008, err := iso.CreatePacs008(p)
	if err != nil {
		return err
	}
	xmlData, err := iso.ConvertToXML(pacs008)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{
		"transaction_id": p.TransactionID,
		"message_id":     p.MessageID,
		"message_type":   "pacs.008.001.08",
		"xml":            xmlData,
	})
	if err != nil {
		return err
	}

	if iso.redis == nil {
		log.Printf("[SETTLEMENT] Redis unavailable, payout %s not queued", p.TransactionID)
		return nil
	}

	ctx := context.Background()
	return iso.redis.RPush(ctx, iso.cfg.SettlementQueue, payload).Err()
}

// ConvertToXML converts an ISO 20022 document to an XML string.
func (iso *ISO20022Service) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// NewSettlementMessageID returns an id that fits ISO 20022 Max35Text.
func NewSettlementMessageID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// isoText trims an internal id to the ISO 20022 Max35Text limit.
func isoText(id string) string {
	id = strings.ReplaceAll(strings.TrimPrefix(id, "txn_"), "-", "")
	if len(id) > 35 {
		id = id[:35]
	}
	return id
}
