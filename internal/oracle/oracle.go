package oracle

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"
)

// The oracle contract stores one E6 fixed-point price per metal plus the
// PAXG auxiliary reference, written atomically in a single transaction.
const oracleABIJSON = `[
{"inputs":[],"name":"getAllPrices","outputs":[
{"internalType":"uint256","name":"gold","type":"uint256"},
{"internalType":"uint256","name":"silver","type":"uint256"},
{"internalType":"uint256","name":"platinum","type":"uint256"},
{"internalType":"uint256","name":"palladium","type":"uint256"},
{"internalType":"uint256","name":"paxg","type":"uint256"}],
"stateMutability":"view","type":"function"},
{"inputs":[
{"internalType":"uint256","name":"gold","type":"uint256"},
{"internalType":"uint256","name":"silver","type":"uint256"},
{"internalType":"uint256","name":"platinum","type":"uint256"},
{"internalType":"uint256","name":"palladium","type":"uint256"},
{"internalType":"uint256","name":"paxg","type":"uint256"}],
"name":"setAllPrices","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var oracleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed
}

// ToE6 encodes a decimal price as an E6 fixed-point integer. The fractional
// remainder beyond six places is truncated, matching the contract convention.
func ToE6(price decimal.Decimal) *big.Int {
	return big.NewInt(price.Shift(6).IntPart())
}

// FromE6 decodes an E6 fixed-point integer back into a decimal price.
func FromE6(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -6)
}
