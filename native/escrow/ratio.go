package escrow

import (
	"fmt"

	"github.com/holiman/uint256"
)

// checkTenderArgs verifies that adding (addCost, addQty) to the outstanding
// (currentCost, currentQty) pair preserves the escrow's implied unit price
// exactly.
//
// In real numbers the requirement is
//
//	(currentCost + addCost) / currentCost == (currentQty + addQty) / currentQty
//
// which is algebraically equivalent to
//
//	currentQty * addCost == currentCost * addQty
//
// so the check runs on the cross products in 256-bit precision and never
// divides. On the first deposit both current terms are zero and any positive
// pair sets the ratio.
func checkTenderArgs(currentCost, addCost, currentQty, addQty uint64) error {
	if addCost == 0 || addQty == 0 {
		return fmt.Errorf("%w: tender cost and quantity must be positive", ErrInvalidArgument)
	}
	lhs := new(uint256.Int).Mul(uint256.NewInt(currentQty), uint256.NewInt(addCost))
	rhs := new(uint256.Int).Mul(uint256.NewInt(currentCost), uint256.NewInt(addQty))
	if lhs.Cmp(rhs) != 0 {
		return fmt.Errorf("%w: tender ratio mismatch", ErrInvalidArgument)
	}
	return nil
}

// purchaseCost computes the exact proportional cost of buying qty out of a
// vault holding totalQty priced at totalCost in aggregate:
//
//	cost = (qty / totalQty) * totalCost = (qty * totalCost) / totalQty
//
// The division must be exact: totalQty * cost must reproduce qty * totalCost,
// otherwise the requested fill would round the price and is rejected. This is
// what confines partial fills to quantities that divide the ratio.
func purchaseCost(qty, totalQty, totalCost uint64) (uint64, error) {
	if qty == 0 || qty > totalQty {
		return 0, fmt.Errorf("%w: purchase quantity out of range", ErrInvalidArgument)
	}
	num := new(uint256.Int).Mul(uint256.NewInt(qty), uint256.NewInt(totalCost))
	cost := new(uint256.Int).Div(num, uint256.NewInt(totalQty))
	check := new(uint256.Int).Mul(uint256.NewInt(totalQty), cost)
	if check.Cmp(num) != 0 {
		return 0, fmt.Errorf("%w: quantity does not divide the price ratio exactly", ErrInvalidArgument)
	}
	if !cost.IsUint64() {
		return 0, fmt.Errorf("%w: purchase cost overflows", ErrInvalidArgument)
	}
	return cost.Uint64(), nil
}
