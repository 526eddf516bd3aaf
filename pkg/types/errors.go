package types

// ErrorKind is the closed taxonomy of execution failures
type ErrorKind string

const (
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindExecution      ErrorKind = "execution"
	ErrorKindNetwork        ErrorKind = "network"
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindLimitExceeded  ErrorKind = "limit_exceeded"
	ErrorKindMarketClosed   ErrorKind = "market_closed"
	ErrorKindPriceRejection ErrorKind = "price_rejection"
	ErrorKindQuantityFreeze ErrorKind = "quantity_freeze"
	ErrorKindMarginShortage ErrorKind = "margin_shortage"
	ErrorKindSymbolBan      ErrorKind = "symbol_ban"
)

// ErrorKinds lists every kind in a stable order
var ErrorKinds = []ErrorKind{
	ErrorKindValidation,
	ErrorKindExecution,
	ErrorKindNetwork,
	ErrorKindAuthentication,
	ErrorKindLimitExceeded,
	ErrorKindMarketClosed,
	ErrorKindPriceRejection,
	ErrorKindQuantityFreeze,
	ErrorKindMarginShortage,
	ErrorKindSymbolBan,
}

// Valid reports whether the kind belongs to the taxonomy
func (k ErrorKind) Valid() bool {
	for _, known := range ErrorKinds {
		if k == known {
			return true
		}
	}
	return false
}
