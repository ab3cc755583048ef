package delever

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// The financing context travels through the gateway's opaque params field and
// must round-trip byte-for-byte, so it is encoded with canonical ABI rules
// rather than an ad-hoc codec.
var financingContextArgs = buildFinancingContextArgs()

func buildFinancingContextArgs() abi.Arguments {
	addressTy := mustNewType("address")
	uint256Ty := mustNewType("uint256")
	uint8Ty := mustNewType("uint8")
	boolTy := mustNewType("bool")
	bytes32Ty := mustNewType("bytes32")

	return abi.Arguments{
		{Name: "user", Type: addressTy},
		{Name: "collateralAsset", Type: addressTy},
		{Name: "debtAsset", Type: addressTy},
		{Name: "collateralAmount", Type: uint256Ty},
		{Name: "debtRepayAmount", Type: uint256Ty},
		{Name: "rateMode", Type: uint8Ty},
		{Name: "viaNative", Type: boolTy},
		{Name: "collateralAsReceipt", Type: boolTy},
		{Name: "debtAsReceipt", Type: boolTy},
		{Name: "useFinancing", Type: boolTy},
		{Name: "permitValue", Type: uint256Ty},
		{Name: "permitDeadline", Type: uint256Ty},
		{Name: "permitV", Type: uint8Ty},
		{Name: "permitR", Type: bytes32Ty},
		{Name: "permitS", Type: bytes32Ty},
		{Name: "operator", Type: addressTy},
	}
}

func mustNewType(name string) abi.Type {
	ty, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", name, err))
	}
	return ty
}

// EncodeFinancingContext packs the context for the financing callback.
func EncodeFinancingContext(fctx *FinancingContext) ([]byte, error) {
	if fctx == nil {
		return nil, fmt.Errorf("encode financing context: nil context")
	}
	req := fctx.Request

	collateralAmount := big.NewInt(0)
	if req.CollateralAmount != nil {
		collateralAmount = req.CollateralAmount
	}
	debtRepayAmount := big.NewInt(0)
	if req.DebtRepayAmount != nil {
		debtRepayAmount = req.DebtRepayAmount
	}

	permitValue := big.NewInt(0)
	permitDeadline := big.NewInt(0)
	var permitV uint8
	var permitR, permitS [32]byte
	if req.Permit != nil {
		if req.Permit.Value != nil {
			permitValue = req.Permit.Value
		}
		if req.Permit.Deadline != nil {
			permitDeadline = req.Permit.Deadline
		}
		permitV = req.Permit.V
		permitR = req.Permit.R
		permitS = req.Permit.S
	}

	packed, err := financingContextArgs.Pack(
		req.User,
		req.CollateralAsset,
		req.DebtAsset,
		collateralAmount,
		debtRepayAmount,
		uint8(req.RateMode),
		req.ViaNative,
		req.CollateralAsReceipt,
		req.DebtAsReceipt,
		req.UseFinancing,
		permitValue,
		permitDeadline,
		permitV,
		permitR,
		permitS,
		fctx.Operator,
	)
	if err != nil {
		return nil, fmt.Errorf("encode financing context: %w", err)
	}
	return packed, nil
}

// DecodeFinancingContext unpacks a context previously produced by
// EncodeFinancingContext.
func DecodeFinancingContext(data []byte) (*FinancingContext, error) {
	values, err := financingContextArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode financing context: %w", err)
	}
	if len(values) != len(financingContextArgs) {
		return nil, fmt.Errorf("decode financing context: got %d values", len(values))
	}

	fctx := &FinancingContext{
		Request: RequestedRepay{
			User:                values[0].(common.Address),
			CollateralAsset:     values[1].(common.Address),
			DebtAsset:           values[2].(common.Address),
			CollateralAmount:    values[3].(*big.Int),
			DebtRepayAmount:     values[4].(*big.Int),
			RateMode:            RateMode(values[5].(uint8)),
			ViaNative:           values[6].(bool),
			CollateralAsReceipt: values[7].(bool),
			DebtAsReceipt:       values[8].(bool),
			UseFinancing:        values[9].(bool),
		},
		Operator: values[15].(common.Address),
	}

	permitValue := values[10].(*big.Int)
	permitDeadline := values[11].(*big.Int)
	permitV := values[12].(uint8)
	permitR := values[13].([32]byte)
	permitS := values[14].([32]byte)
	if permitValue.Sign() > 0 || permitDeadline.Sign() > 0 || permitV != 0 {
		fctx.Request.Permit = &Permit{
			Value:    permitValue,
			Deadline: permitDeadline,
			V:        permitV,
			R:        permitR,
			S:        permitS,
		}
	}
	return fctx, nil
}
