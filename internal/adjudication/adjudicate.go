// Package adjudication computes the split of a bill between the member's
// benefit wallet and the member's own pocket. The computation is a pure
// function of the bill, the benefit rule, and a wallet balance snapshot; it
// performs no I/O and is the single source of truth for payment breakdowns —
// clients display its output, they never recompute it.
package adjudication

import (
	"errors"

	"github.com/arkahealth/opdwallet/internal/planconfig"
)

// ErrBenefitNotEligible is returned when the category rule is disabled.
var ErrBenefitNotEligible = errors.New("benefit not eligible")

// Method classifies who funds the bill.
type Method string

const (
	MethodWalletOnly  Method = "WALLET_ONLY"
	MethodCopay       Method = "COPAY"
	MethodOutOfPocket Method = "OUT_OF_POCKET"
	MethodPartial     Method = "PARTIAL"
	MethodFullPayment Method = "FULL_PAYMENT"
)

// Breakdown is the adjudicated split of a bill, in integer cents.
//
// Invariant: WalletDeduction + CopayAmount + ExcessAmount == BillAmount.
// Rounding differences are absorbed into CopayAmount, never into
// WalletDeduction, so the wallet ledger carries no fractional drift.
type Breakdown struct {
	BillAmount              int64  `json:"billAmount"`
	InsuranceEligibleAmount int64  `json:"insuranceEligibleAmount"`
	WalletDeduction         int64  `json:"walletDeduction"`
	CopayAmount             int64  `json:"copayAmount"`
	ExcessAmount            int64  `json:"excessAmount"`
	UserPayment             int64  `json:"userPayment"`
	PaymentMethod           Method `json:"paymentMethod"`
}

// Adjudicate computes the payment breakdown for a bill.
//
// The per-service transaction limit caps the insurance-eligible amount first;
// anything above it is member-paid excess. Copay is then taken as a percentage
// of the eligible amount (round half up). The wallet funds the insurer-covered
// remainder up to the current balance; any shortfall converts into additional
// member liability via CopayAmount — it is never silently dropped.
func Adjudicate(billAmount int64, rule planconfig.BenefitRule, walletCurrent int64) (Breakdown, error) {
	if !rule.Enabled {
		return Breakdown{}, ErrBenefitNotEligible
	}

	eligible := billAmount
	if rule.ServiceTransactionLimit != nil && *rule.ServiceTransactionLimit < eligible {
		eligible = *rule.ServiceTransactionLimit
	}
	excess := billAmount - eligible

	copay := roundHalfUpPercent(eligible, rule.CopayPercent)
	insurerCovered := eligible - copay

	walletDeduction := insurerCovered
	if walletCurrent < walletDeduction {
		walletDeduction = walletCurrent
	}
	if walletDeduction < 0 {
		walletDeduction = 0
	}
	// Wallet insufficiency converts covered amount into member liability.
	copay += insurerCovered - walletDeduction

	userPayment := copay + excess

	breakdown := Breakdown{
		BillAmount:              billAmount,
		InsuranceEligibleAmount: eligible,
		WalletDeduction:         walletDeduction,
		CopayAmount:             copay,
		ExcessAmount:            excess,
		UserPayment:             userPayment,
	}
	breakdown.PaymentMethod = classify(breakdown, rule.CopayPercent)
	return breakdown, nil
}

func classify(breakdown Breakdown, copayPercent int) Method {
	switch {
	case breakdown.UserPayment == 0:
		return MethodWalletOnly
	case breakdown.WalletDeduction == 0:
		return MethodFullPayment
	case copayPercent > 0:
		return MethodCopay
	default:
		return MethodOutOfPocket
	}
}

func roundHalfUpPercent(amount int64, percent int) int64 {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return amount
	}
	return (amount*int64(percent) + 50) / 100
}
