package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEscrowAmounts(t *testing.T) {
	tests := []struct {
		name        string
		price       string
		maxFee      string
		acceptedFee string
		reserved    string
		final       string
		payment     string
	}{
		{name: "reference scenario", price: "50", maxFee: "10", acceptedFee: "15", reserved: "30", final: "32.5", payment: "61.75"},
		{name: "direct accept at max fee", price: "20", maxFee: "5", acceptedFee: "5", reserved: "12.5", final: "12.5", payment: "23.75"},
		{name: "rounds to cents", price: "10.01", maxFee: "0.02", acceptedFee: "0.03", reserved: "5.02", final: "5.02", payment: "9.54"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := dec(tt.price)
			if got := ReservedAmount(price, dec(tt.maxFee)); !got.Equal(dec(tt.reserved)) {
				t.Fatalf("reserved = %s, want %s", got, tt.reserved)
			}
			if got := FinalAmount(price, dec(tt.acceptedFee)); !got.Equal(dec(tt.final)) {
				t.Fatalf("final = %s, want %s", got, tt.final)
			}
			if got := TravelerPayment(price, dec(tt.acceptedFee)); !got.Equal(dec(tt.payment)) {
				t.Fatalf("payment = %s, want %s", got, tt.payment)
			}
		})
	}
}

func TestNewSettlementUsesAcceptedFee(t *testing.T) {
	listing := Listing{BuyerID: "buyer", TravelerID: "traveler", ItemPrice: dec("50"), MaxFee: dec("10")}
	s := NewSettlement(listing, dec("15"))
	if !s.BuyerDebit.Equal(dec("32.50")) || !s.TravelerCredit.Equal(dec("61.75")) {
		t.Fatalf("unexpected settlement %+v", s)
	}
	total := ReservedAmount(listing.ItemPrice, listing.MaxFee).Add(s.BuyerDebit)
	if !total.Equal(dec("62.50")) {
		t.Fatalf("total buyer debit = %s, want 62.50", total)
	}
}
