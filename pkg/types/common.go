package types

import (
	"fmt"
	"strings"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether the side is one of the known sides
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Sign returns +1 for buys and -1 for sells
func (s OrderSide) Sign() int {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderKind is the canonical order type
type OrderKind string

const (
	OrderKindMarket    OrderKind = "MARKET"
	OrderKindLimit     OrderKind = "LIMIT"
	OrderKindStop      OrderKind = "STOP"
	OrderKindStopLimit OrderKind = "STOP_LIMIT"
	OrderKindBracket   OrderKind = "BRACKET"
	OrderKindIceberg   OrderKind = "ICEBERG"
	OrderKindTWAP      OrderKind = "TWAP"
	OrderKindVWAP      OrderKind = "VWAP"
	OrderKindPOV       OrderKind = "POV"
)

var orderKinds = map[OrderKind]bool{
	OrderKindMarket:    true,
	OrderKindLimit:     true,
	OrderKindStop:      true,
	OrderKindStopLimit: true,
	OrderKindBracket:   true,
	OrderKindIceberg:   true,
	OrderKindTWAP:      true,
	OrderKindVWAP:      true,
	OrderKindPOV:       true,
}

// Valid reports whether the kind is known
func (k OrderKind) Valid() bool {
	return orderKinds[k]
}

// IsAlgo reports whether the kind is executed by the algorithmic scheduler
func (k OrderKind) IsAlgo() bool {
	switch k {
	case OrderKindIceberg, OrderKindTWAP, OrderKindVWAP, OrderKindPOV:
		return true
	}
	return false
}

// NeedsPrice reports whether a limit price is mandatory
func (k OrderKind) NeedsPrice() bool {
	switch k {
	case OrderKindLimit, OrderKindStopLimit, OrderKindBracket, OrderKindIceberg:
		return true
	}
	return false
}

// NeedsStopPrice reports whether a trigger price is mandatory
func (k OrderKind) NeedsStopPrice() bool {
	return k == OrderKindStop || k == OrderKindStopLimit
}

// TimeInForce controls how long an order rests
type TimeInForce string

const (
	TimeInForceDAY TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill or Kill
)

// AssetClass groups instruments a venue may specialize in
type AssetClass string

const (
	AssetClassEquity    AssetClass = "equity"
	AssetClassFutures   AssetClass = "futures"
	AssetClassOptions   AssetClass = "options"
	AssetClassCurrency  AssetClass = "currency"
	AssetClassCommodity AssetClass = "commodity"
	AssetClassCrypto    AssetClass = "crypto"
)

// ParseAssetClass normalizes a configured asset class name
func ParseAssetClass(s string) (AssetClass, error) {
	ac := AssetClass(strings.ToLower(strings.TrimSpace(s)))
	switch ac {
	case AssetClassEquity, AssetClassFutures, AssetClassOptions,
		AssetClassCurrency, AssetClassCommodity, AssetClassCrypto:
		return ac, nil
	}
	return "", fmt.Errorf("unknown asset class: %q", s)
}
