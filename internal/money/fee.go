package money

// PlatformRateBasisPoints is the platform commission: 500 bp = 5%.
const PlatformRateBasisPoints int64 = 500

// FeeBreakdown is the platform fee and how it is shared between the parties.
type FeeBreakdown struct {
	TotalFee  int64 `json:"totalFee"`
	BuyerFee  int64 `json:"buyerFee"`
	SellerFee int64 `json:"sellerFee"`
}

// PlatformFee returns the commission on amount, rounded half up.
func PlatformFee(amount int64) int64 {
	return roundHalfUp(amount*PlatformRateBasisPoints, 10_000)
}

// ComputeFee splits the platform fee on amount between buyer and seller.
// buyerRatioPercent is the share borne by the buyer. SellerFee is derived by
// subtraction so BuyerFee+SellerFee always equals TotalFee.
func ComputeFee(amount int64, buyerRatioPercent int) (FeeBreakdown, error) {
	if err := checkAmount(amount); err != nil {
		return FeeBreakdown{}, err
	}
	if err := checkPercent("buyer fee ratio", buyerRatioPercent); err != nil {
		return FeeBreakdown{}, err
	}

	total := PlatformFee(amount)
	buyer := roundHalfUp(total*int64(buyerRatioPercent), 100)
	return FeeBreakdown{
		TotalFee:  total,
		BuyerFee:  buyer,
		SellerFee: total - buyer,
	}, nil
}
