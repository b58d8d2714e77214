package services

import (
	"encoding/json"
	"net/http"
)

// Bank is one payout-capable institution, addressed by its clearing system
// member id (ABA routing number on the US rail).
type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var payoutBanks = []Bank{
	{Code: "021000021", Name: "JPMorgan Chase"},
	{Code: "026009593", Name: "Bank of America"},
	{Code: "121000248", Name: "Wells Fargo"},
	{Code: "021000089", Name: "Citibank"},
	{Code: "091000022", Name: "U.S. Bank"},
	{Code: "043000096", Name: "PNC Bank"},
	{Code: "056073502", Name: "Capital One"},
	{Code: "031101266", Name: "TD Bank"},
	{Code: "061000104", Name: "Truist Bank"},
	{Code: "042000314", Name: "Fifth Third Bank"},
	{Code: "041001039", Name: "KeyBank"},
	{Code: "011500120", Name: "Citizens Bank"},
	{Code: "124003116", Name: "Ally Bank"},
	{Code: "031100649", Name: "Discover Bank"},
	{Code: "121202211", Name: "Charles Schwab Bank"},
	{Code: "256074974", Name: "Navy Federal Credit Union"},
	{Code: "314074269", Name: "USAA Federal Savings Bank"},
	{Code: "062000019", Name: "Regions Bank"},
	{Code: "022000046", Name: "M&T Bank"},
	{Code: "044000024", Name: "Huntington National Bank"},
}

var payoutBankIndex = func() map[string]string {
	index := make(map[string]string, len(payoutBanks))
	for _, bank := range payoutBanks {
		index[bank.Code] = bank.Name
	}
	return index
}()

type BankService struct{}

func NewBankService() *BankService {
	return &BankService{}
}

// GetAllBanks lists the payout bank directory
// @Summary List payout banks
// @Description Get the institutions payouts can be routed to, with their clearing codes
// @Tags banks
// @Produce json
// @Success 200 {array} Bank
// @Router /banks [get]
func (bs *BankService) GetAllBanks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	json.NewEncoder(w).Encode(payoutBanks)
}

// BankName resolves a clearing code to its institution name.
func (bs *BankService) BankName(code string) (string, bool) {
	name, ok := payoutBankIndex[code]
	return name, ok
}

// ValidBankCode reports whether payouts can route to the code.
func ValidBankCode(code string) bool {
	_, ok := payoutBankIndex[code]
	return ok
}
