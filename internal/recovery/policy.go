package recovery

import (
	"sort"

	"github.com/mExOms/routex/pkg/types"
)

// Action is a recovery step a caller may apply to a failed order
type Action string

const (
	ActionRetry   Action = "retry"
	ActionReroute Action = "reroute"
	ActionModify  Action = "modify"
	ActionSplit   Action = "split"
	ActionCancel  Action = "cancel"
)

// Valid reports whether the action is known
func (a Action) Valid() bool {
	switch a {
	case ActionRetry, ActionReroute, ActionModify, ActionSplit, ActionCancel:
		return true
	}
	return false
}

// RecoveryStrategy is one ranked proposal
type RecoveryStrategy struct {
	Action            Action  `json:"action"`
	Description       string  `json:"description"`
	SuccessLikelihood float64 `json:"success_likelihood"` // 0-100
	EstimatedMinutes  float64 `json:"estimated_minutes"`
}

// policies lists the actions each kind allows
var policies = map[types.ErrorKind][]Action{
	types.ErrorKindValidation:     {ActionModify, ActionReroute},
	types.ErrorKindExecution:      {ActionRetry, ActionSplit},
	types.ErrorKindNetwork:        {ActionRetry},
	types.ErrorKindAuthentication: {ActionReroute},
	types.ErrorKindMarketClosed:   {ActionCancel},
	types.ErrorKindPriceRejection: {ActionModify},
	types.ErrorKindQuantityFreeze: {ActionModify},
	types.ErrorKindMarginShortage: {ActionModify, ActionCancel},
	types.ErrorKindSymbolBan:      {ActionCancel},
	types.ErrorKindLimitExceeded:  {ActionCancel},
}

// Actions returns the actions the policy table allows for a kind
func Actions(kind types.ErrorKind) []Action {
	return append([]Action(nil), policies[kind]...)
}

// CanRetry is false only for symbol bans and exceeded limits
func CanRetry(kind types.ErrorKind) bool {
	return kind != types.ErrorKindSymbolBan && kind != types.ErrorKindLimitExceeded
}

// CanModify is true for kinds a new order version can fix
func CanModify(kind types.ErrorKind) bool {
	switch kind {
	case types.ErrorKindValidation, types.ErrorKindPriceRejection,
		types.ErrorKindQuantityFreeze, types.ErrorKindMarginShortage:
		return true
	}
	return false
}

// estimate is the base likelihood and duration of an action for a kind
type estimate struct {
	likelihood float64
	minutes    float64
	desc       string
}

var baseEstimates = map[Action]estimate{
	ActionRetry:   {60, 1, "Resubmit the same order to the same venue"},
	ActionReroute: {70, 2, "Route the order to the next best venue"},
	ActionModify:  {75, 5, "Submit a new order version with adjusted price or quantity"},
	ActionSplit:   {65, 5, "Split the order into two child orders"},
	ActionCancel:  {30, 0, "Cancel the order"},
}

var kindEstimates = map[types.ErrorKind]map[Action]estimate{
	types.ErrorKindNetwork: {
		ActionRetry: {85, 1, "Resubmit after the connection recovers"},
	},
	types.ErrorKindAuthentication: {
		ActionReroute: {80, 2, "Route to a venue with valid credentials"},
	},
	types.ErrorKindPriceRejection: {
		ActionModify: {85, 3, "Move the limit price inside the venue price band"},
	},
	types.ErrorKindQuantityFreeze: {
		ActionModify: {90, 3, "Reduce the quantity to the venue freeze limit"},
	},
	types.ErrorKindMarginShortage: {
		ActionModify: {60, 10, "Reduce the quantity to fit available margin"},
		ActionCancel: {40, 0, "Cancel until margin is added"},
	},
	types.ErrorKindMarketClosed: {
		ActionCancel: {95, 0, "Cancel and resubmit when the market opens"},
	},
	types.ErrorKindSymbolBan: {
		ActionCancel: {95, 0, "Cancel, the symbol is not tradable"},
	},
	types.ErrorKindLimitExceeded: {
		ActionCancel: {90, 0, "Cancel, the venue limit is exhausted"},
	},
}

// retryDecay lowers the retry likelihood for every attempt already made
const retryDecay = 15

// Plan ranks the strategies for a failure by likelihood, then by duration.
// Once retries are exhausted only reroute and cancel are proposed, and retry
// is never proposed for a kind that cannot retry.
func Plan(rec FailureRecord) []RecoveryStrategy {
	actions := policies[rec.Kind]
	if rec.MaxRetries > 0 && rec.RetryAttempts >= rec.MaxRetries {
		actions = []Action{ActionReroute, ActionCancel}
	}

	out := make([]RecoveryStrategy, 0, len(actions))
	for _, a := range actions {
		if a == ActionRetry && !CanRetry(rec.Kind) {
			continue
		}
		e, ok := kindEstimates[rec.Kind][a]
		if !ok {
			e = baseEstimates[a]
		}
		likelihood := e.likelihood
		if a == ActionRetry {
			likelihood -= float64(retryDecay * rec.RetryAttempts)
			if likelihood < 5 {
				likelihood = 5
			}
		}
		out = append(out, RecoveryStrategy{
			Action:            a,
			Description:       e.desc,
			SuccessLikelihood: likelihood,
			EstimatedMinutes:  e.minutes,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessLikelihood != out[j].SuccessLikelihood {
			return out[i].SuccessLikelihood > out[j].SuccessLikelihood
		}
		return out[i].EstimatedMinutes < out[j].EstimatedMinutes
	})
	return out
}
