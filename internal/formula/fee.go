package formula

import "github.com/holiman/uint256"

// FeeDivisor is the denominator of every basis-point fee.
const FeeDivisor = 10000

// TradeFee returns amount × bps / 10000, rounded down.
func TradeFee(amount *uint256.Int, bps uint32) *uint256.Int {
	fee := new(uint256.Int).Mul(amount, uint256.NewInt(uint64(bps)))
	return fee.Div(fee, uint256.NewInt(FeeDivisor))
}

// SplitFee divides a fee between the exchange and a referrer in proportion
// to their basis points. The exchange takes the rounding remainder.
func SplitFee(fee *uint256.Int, exchangeBps, referralBps uint32) (exchange, referral *uint256.Int) {
	total := uint64(exchangeBps) + uint64(referralBps)
	if total == 0 {
		return new(uint256.Int), new(uint256.Int)
	}
	referral = new(uint256.Int).Mul(fee, uint256.NewInt(uint64(referralBps)))
	referral.Div(referral, uint256.NewInt(total))
	exchange = new(uint256.Int).Sub(fee, referral)
	return exchange, referral
}
