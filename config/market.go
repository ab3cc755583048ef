package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Market describes the lending market and swap venue the service orchestrates:
// identities, assets with their receipt tokens and reference prices, initial
// liquidity, and the venue's rate table.
type Market struct {
	LiquidationThresholdBps uint64 `toml:"liquidation_threshold_bps"`
	FinancingPremiumBps     uint64 `toml:"financing_premium_bps"`
	PoolAddress             string `toml:"pool_address"`
	RouterAddress           string `toml:"router_address"`
	EngineAddress           string `toml:"engine_address"`
	NativeAsset             string `toml:"native_asset"`

	Assets []MarketAsset `toml:"asset"`
	Rates  []MarketRate  `toml:"rate"`
}

// MarketAsset declares one tradable asset. Amounts are decimal strings so
// values above 2^63 survive the TOML round trip.
type MarketAsset struct {
	Symbol          string `toml:"symbol"`
	Address         string `toml:"address"`
	Receipt         string `toml:"receipt"`
	PriceNum        int64  `toml:"price_num"`
	PriceDen        int64  `toml:"price_den"`
	PoolLiquidity   string `toml:"pool_liquidity"`
	RouterInventory string `toml:"router_inventory"`
}

// MarketRate declares how many units of To one unit of From buys on the venue.
type MarketRate struct {
	From        string `toml:"from"`
	To          string `toml:"to"`
	Numerator   int64  `toml:"numerator"`
	Denominator int64  `toml:"denominator"`
}

// LoadMarket reads and validates a market file.
func LoadMarket(path string) (Market, error) {
	var market Market
	if _, err := toml.DecodeFile(path, &market); err != nil {
		return Market{}, fmt.Errorf("parse market file: %w", err)
	}
	if err := market.Validate(); err != nil {
		return Market{}, err
	}
	return market, nil
}

// Validate ensures the market definition is internally consistent.
func (m Market) Validate() error {
	if m.LiquidationThresholdBps == 0 || m.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("liquidation threshold must be within (0, 10000] bps")
	}
	if m.FinancingPremiumBps >= 10_000 {
		return fmt.Errorf("financing premium must be below 10000 bps")
	}
	for name, addr := range map[string]string{
		"pool_address":   m.PoolAddress,
		"router_address": m.RouterAddress,
		"engine_address": m.EngineAddress,
	} {
		if _, err := parseAddress(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if len(m.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}
	for i, asset := range m.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("asset %d: symbol is required", i)
		}
		if _, err := parseAddress(asset.Address); err != nil {
			return fmt.Errorf("asset %s: address: %w", asset.Symbol, err)
		}
		if _, err := parseAddress(asset.Receipt); err != nil {
			return fmt.Errorf("asset %s: receipt: %w", asset.Symbol, err)
		}
		if asset.PriceNum <= 0 || asset.PriceDen <= 0 {
			return fmt.Errorf("asset %s: price must be positive", asset.Symbol)
		}
	}
	for i, rate := range m.Rates {
		if _, err := parseAddress(rate.From); err != nil {
			return fmt.Errorf("rate %d: from: %w", i, err)
		}
		if _, err := parseAddress(rate.To); err != nil {
			return fmt.Errorf("rate %d: to: %w", i, err)
		}
		if rate.Numerator <= 0 || rate.Denominator <= 0 {
			return fmt.Errorf("rate %d: rate must be positive", i)
		}
	}
	return nil
}

// Pool returns the pool identity.
func (m Market) Pool() common.Address { return common.HexToAddress(m.PoolAddress) }

// Router returns the swap venue identity.
func (m Market) Router() common.Address { return common.HexToAddress(m.RouterAddress) }

// Engine returns the orchestrator identity.
func (m Market) Engine() common.Address { return common.HexToAddress(m.EngineAddress) }

// Native returns the venue's native intermediate asset, or the zero address
// when none is configured.
func (m Market) Native() common.Address { return common.HexToAddress(m.NativeAsset) }

// Price returns the asset's reference price as a rational.
func (a MarketAsset) Price() *big.Rat { return big.NewRat(a.PriceNum, a.PriceDen) }

// Rate returns the pair's exchange rate as a rational.
func (r MarketRate) Rate() *big.Rat { return big.NewRat(r.Numerator, r.Denominator) }

// ParseAmount converts a decimal amount string into a big integer. Empty
// strings parse to zero.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}
