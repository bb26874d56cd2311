// Package wallet owns the voucher and coin economy on top of the user
// record: staff balance adjustments, coin gifts between readers and
// authors, and the fixed-rate coin-to-voucher conversion. Every balance
// write goes through the optimistic protocol; there is no blind
// read-modify-save anywhere in this package.
package wallet

// CoinsPerVoucher is the fixed conversion rate: 10 coins buy 1 voucher,
// floor semantics, remainder coins stay in the wallet.
const CoinsPerVoucher = 10

// AdjustRequest is the staff balance-adjustment body. Deltas may be
// negative; balances never go below zero.
type AdjustRequest struct {
	UserID   string `json:"user_id"`
	Vouchers int    `json:"vouchers"`
	Coins    int    `json:"coins"`
}

// GiftRequest is the body of the coin gift endpoint.
type GiftRequest struct {
	RecipientID string `json:"recipient_id"`
	Coins       int    `json:"coins"`
}

// ConvertRequest is the body of the coin conversion endpoint.
type ConvertRequest struct {
	Coins int `json:"coins"`
}

// Balance is the wallet view returned by every mutation.
type Balance struct {
	Vouchers int `json:"vouchers"`
	Coins    int `json:"coins"`
}
