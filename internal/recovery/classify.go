package recovery

import (
	"net/http"
	"strings"

	"github.com/mExOms/routex/internal/venue"
	"github.com/mExOms/routex/pkg/types"
)

type codeKey struct {
	family venue.Family
	code   string
}

// venueCodes maps well known venue error codes to a kind
var venueCodes = map[codeKey]types.ErrorKind{
	// Kite exception classes
	{venue.FamilyZerodha, "TokenException"}:      types.ErrorKindAuthentication,
	{venue.FamilyZerodha, "PermissionException"}: types.ErrorKindAuthentication,
	{venue.FamilyZerodha, "InputException"}:      types.ErrorKindValidation,
	{venue.FamilyZerodha, "MarginException"}:     types.ErrorKindMarginShortage,
	{venue.FamilyZerodha, "NetworkException"}:    types.ErrorKindNetwork,
	{venue.FamilyZerodha, "OrderException"}:      types.ErrorKindExecution,

	{venue.FamilyUpstox, "UDAPI100050"}: types.ErrorKindAuthentication,
	{venue.FamilyUpstox, "UDAPI1026"}:   types.ErrorKindValidation,
	{venue.FamilyUpstox, "UDAPI100500"}: types.ErrorKindNetwork,
	{venue.FamilyUpstox, "UDAPI10005"}:  types.ErrorKindLimitExceeded,

	{venue.FamilyAngel, "AG8001"}: types.ErrorKindAuthentication,
	{venue.FamilyAngel, "AG8002"}: types.ErrorKindAuthentication,
	{venue.FamilyAngel, "AB1004"}: types.ErrorKindNetwork,
	{venue.FamilyAngel, "AB2001"}: types.ErrorKindMarketClosed,

	{venue.FamilyBinance, "-1003"}: types.ErrorKindLimitExceeded,
	{venue.FamilyBinance, "-1015"}: types.ErrorKindLimitExceeded,
	{venue.FamilyBinance, "-1021"}: types.ErrorKindNetwork,
	{venue.FamilyBinance, "-1022"}: types.ErrorKindAuthentication,
	{venue.FamilyBinance, "-2014"}: types.ErrorKindAuthentication,
	{venue.FamilyBinance, "-2015"}: types.ErrorKindAuthentication,
	{venue.FamilyBinance, "-1100"}: types.ErrorKindValidation,
	{venue.FamilyBinance, "-1102"}: types.ErrorKindValidation,
	{venue.FamilyBinance, "-1121"}: types.ErrorKindValidation,
}

// keywordRules are matched in order against the lower-cased message
var keywordRules = []struct {
	kind     types.ErrorKind
	keywords []string
}{
	{types.ErrorKindSymbolBan, []string{"ban period", "banned", "symbol ban", "not allowed to trade", "trading restricted"}},
	{types.ErrorKindMarketClosed, []string{"market closed", "market is closed", "outside market hours", "trading hours", "market not open"}},
	{types.ErrorKindMarginShortage, []string{"insufficient margin", "margin shortfall", "margin", "insufficient funds", "insufficient balance"}},
	{types.ErrorKindQuantityFreeze, []string{"freeze", "max order quantity", "quantity exceeds", "lot_size"}},
	{types.ErrorKindPriceRejection, []string{"circuit", "price band", "price range", "price_filter", "percent_price", "ltp"}},
	{types.ErrorKindLimitExceeded, []string{"rate limit", "too many requests", "limit exceeded", "throttl", "too much request weight"}},
	{types.ErrorKindAuthentication, []string{"unauthorized", "invalid token", "token expired", "session expired", "api-key", "api key", "signature", "authentication"}},
	{types.ErrorKindNetwork, []string{"timeout", "timed out", "deadline exceeded", "connection reset", "connection refused", "unreachable"}},
	{types.ErrorKindValidation, []string{"invalid", "missing", "required", "mandatory", "not supported"}},
}

// Classify maps a venue response to an error kind. It depends on nothing but
// its input: the venue code table is consulted first, then message keywords,
// then the timeout flag and HTTP status. Anything else is an execution failure.
func Classify(resp venue.Response) types.ErrorKind {
	r := resp.Reject
	if r == nil {
		return types.ErrorKindExecution
	}

	if d := r.Diagnostic; d != nil {
		if kind, ok := venueCodes[codeKey{d.Family, d.Code()}]; ok {
			return kind
		}
	}

	msg := normalize(r.Message)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.kind
			}
		}
	}

	if r.Timeout {
		return types.ErrorKindNetwork
	}
	switch {
	case r.HTTPStatus == http.StatusUnauthorized, r.HTTPStatus == http.StatusForbidden:
		return types.ErrorKindAuthentication
	case r.HTTPStatus == http.StatusTooManyRequests:
		return types.ErrorKindLimitExceeded
	case r.HTTPStatus == http.StatusBadRequest, r.HTTPStatus == http.StatusUnprocessableEntity:
		return types.ErrorKindValidation
	case r.HTTPStatus == http.StatusRequestTimeout, r.HTTPStatus == http.StatusGatewayTimeout,
		r.HTTPStatus == http.StatusBadGateway, r.HTTPStatus == http.StatusServiceUnavailable:
		return types.ErrorKindNetwork
	}
	return types.ErrorKindExecution
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
