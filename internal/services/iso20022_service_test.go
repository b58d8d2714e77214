package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func testPayoutInstruction() *PayoutInstruction {
	return &PayoutInstruction{
		TransactionID:   "txn_8f14e45f-ceea-467f-a8f9-0000176b9d01",
		ReferenceID:     "payout_feb_2026_creator42",
		AmountCents:     125000,
		Currency:        "USD",
		CreditorName:    "Ada Example",
		CreditorAccount: "000123456789",
		BankCode:        "021000021",
	}
}

func TestISO20022Service_ConvertPayout(t *testing.T) {
	redisClient, _ := redismock.NewClientMock()
	service := NewISO20022Service(redisClient)

	t.Run("successful conversion", func(t *testing.T) {
		body, _ := json.Marshal(testPayoutInstruction())
		r := httptest.NewRequest("POST", "/iso20022/convert", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.ConvertPayout(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "converted", response["status"])
		assert.Equal(t, "pacs.008.001.08", response["messageType"])

		xmlData := response["xml"].(string)
		assert.Contains(t, xmlData, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
		assert.Contains(t, xmlData, "Ada Example")
		assert.Contains(t, xmlData, "021000021")
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/iso20022/convert", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.ConvertPayout(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/iso20022/convert",
			bytes.NewBuffer([]byte(`{"transaction_id":"txn_1","card_id":"card123"}`)))
		w := httptest.NewRecorder()

		service.ConvertPayout(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation failure", func(t *testing.T) {
		p := testPayoutInstruction()
		p.CreditorName = ""

		body, _ := json.Marshal(p)
		r := httptest.NewRequest("POST", "/iso20022/convert", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.ConvertPayout(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Contains(t, response.Details, "CreditorName")
	})

	t.Run("rejects a zero amount", func(t *testing.T) {
		p := testPayoutInstruction()
		p.AmountCents = 0

		body, _ := json.Marshal(p)
		r := httptest.NewRequest("POST", "/iso20022/convert", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.ConvertPayout(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestISO20022Service_CreatePacs008(t *testing.T) {
	redisClient, _ := redismock.NewClientMock()
	service := NewISO20022Service(redisClient)

	t.Run("create valid pacs008", func(t *testing.T) {
		p := testPayoutInstruction()
		p.MessageID = "PAYOUT20260214"

		doc, err := service.CreatePacs008(p)
		assert.NoError(t, err)
		assert.NotNil(t, doc)
		assert.Equal(t, "PAYOUT20260214", string(doc.GrpHdr.MsgId))
		assert.Equal(t, "1", string(doc.GrpHdr.NbOfTxs))
		assert.Equal(t, "USD", string(doc.GrpHdr.TtlIntrBkSttlmAmt.Ccy))
		assert.Equal(t, 1250.0, doc.GrpHdr.TtlIntrBkSttlmAmt.Value)

		assert.Len(t, doc.CdtTrfTxInf, 1)
		tx := doc.CdtTrfTxInf[0]
		assert.Equal(t, "8f14e45fceea467fa8f90000176b9d01", string(*tx.PmtId.InstrId))
		assert.Equal(t, "payout_feb_2026_creator42", string(tx.PmtId.EndToEndId))
		assert.Equal(t, 1250.0, tx.IntrBkSttlmAmt.Value)

		// Platform is the debtor side of every payout.
		assert.Equal(t, "CRPYUS33", string(*tx.DbtrAgt.FinInstnId.BICFI))
		assert.Equal(t, "CreatorPay Platform", string(*tx.Dbtr.Nm))
		assert.Equal(t, "021000021", string(tx.CdtrAgt.FinInstnId.ClrSysMmbId.MmbId))
		assert.Equal(t, "Ada Example", string(*tx.Cdtr.Nm))
	})

	t.Run("generates a message id when none is given", func(t *testing.T) {
		doc, err := service.CreatePacs008(testPayoutInstruction())
		assert.NoError(t, err)
		assert.Len(t, string(doc.GrpHdr.MsgId), 32)
	})
}

func TestISO20022Service_CreatePacs002(t *testing.T) {
	redisClient, _ := redismock.NewClientMock()
	service := NewISO20022Service(redisClient)

	t.Run("create valid pacs002", func(t *testing.T) {
		doc, err := service.CreatePacs002(testPayoutInstruction(), "ACCP")
		assert.NoError(t, err)
		assert.NotNil(t, doc)
		assert.NotEmpty(t, doc.GrpHdr.MsgId)
		assert.Len(t, doc.TxInfAndSts, 1)
		assert.Equal(t, "8f14e45fceea467fa8f90000176b9d01", string(*doc.TxInfAndSts[0].OrgnlInstrId))
		assert.Equal(t, "payout_feb_2026_creator42", string(*doc.TxInfAndSts[0].OrgnlEndToEndId))
		assert.Equal(t, "ACCP", string(*doc.TxInfAndSts[0].TxSts))
	})

	t.Run("carries a rejection status", func(t *testing.T) {
		doc, err := service.CreatePacs002(testPayoutInstruction(), "RJCT")
		assert.NoError(t, err)
		assert.Equal(t, "RJCT", string(*doc.TxInfAndSts[0].TxSts))
	})
}

func TestISO20022Service_ConvertToXML(t *testing.T) {
	redisClient, _ := redismock.NewClientMock()
	service := NewISO20022Service(redisClient)

	t.Run("convert to XML", func(t *testing.T) {
		doc, err := service.CreatePacs008(testPayoutInstruction())
		assert.NoError(t, err)

		xmlString, err := service.ConvertToXML(doc)
		assert.NoError(t, err)
		assert.NotEmpty(t, xmlString)
		assert.Contains(t, xmlString, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
		assert.Contains(t, xmlString, "payout_feb_2026_creator42")
		assert.Contains(t, xmlString, "USD")
	})

	t.Run("convert invalid struct", func(t *testing.T) {
		invalidStruct := make(chan int)

		xmlString, err := service.ConvertToXML(invalidStruct)
		assert.Error(t, err)
		assert.Empty(t, xmlString)
		assert.Contains(t, err.Error(), "failed to marshal XML")
	})
}

func TestISO20022Service_QueueForSettlement(t *testing.T) {
	t.Run("payout survives a missing queue", func(t *testing.T) {
		service := NewISO20022Service(nil)

		err := service.QueueForSettlement(testPayoutInstruction())
		assert.NoError(t, err)
	})
}

func TestSettlementMessageIDs(t *testing.T) {
	t.Run("message ids fit Max35Text", func(t *testing.T) {
		a := NewSettlementMessageID()
		b := NewSettlementMessageID()

		assert.Len(t, a, 32)
		assert.NotContains(t, a, "-")
		assert.NotEqual(t, a, b)
	})

	t.Run("identifiers are trimmed to the field limit", func(t *testing.T) {
		assert.Equal(t, "8f14e45fceea467fa8f90000176b9d01", isoText("txn_8f14e45f-ceea-467f-a8f9-0000176b9d01"))
		assert.Equal(t, "ref42", isoText("ref42"))

		long := isoText(strings.Repeat("ab", 25))
		assert.Len(t, long, 35)
		assert.Equal(t, strings.Repeat("ab", 17)+"a", long)
	})
}
