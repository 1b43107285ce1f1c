package money

// Split is the three-way division of a settled amount.
//
// Refund + Seller + PlatformFee == Total holds for every value returned by
// ComputeRefund.
type Split struct {
	Total       int64 `json:"total"`
	PlatformFee int64 `json:"platformFee"`
	Base        int64 `json:"base"`
	Refund      int64 `json:"refund"`
	Seller      int64 `json:"seller"`
	Percentage  int   `json:"percentage"`
}

// Balanced reports whether the split sums back to its total.
func (s Split) Balanced() bool {
	return s.Refund+s.Seller+s.PlatformFee == s.Total
}

// ComputeRefund deducts the platform fee first and then divides what is left
// by percentage. The refund share is truncated; the remainder cent stays with
// the seller so the split always balances.
func ComputeRefund(amount int64, percentage int) (Split, error) {
	if err := checkAmount(amount); err != nil {
		return Split{}, err
	}
	if err := checkPercent("refund percentage", percentage); err != nil {
		return Split{}, err
	}

	fee := PlatformFee(amount)
	base := amount - fee
	refund := base * int64(percentage) / 100
	return Split{
		Total:       amount,
		PlatformFee: fee,
		Base:        base,
		Refund:      refund,
		Seller:      base - refund,
		Percentage:  percentage,
	}, nil
}
