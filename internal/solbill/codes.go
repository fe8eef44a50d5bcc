package solbill

import (
	"fmt"
	"strings"
)

// Code is a custom error code returned by the billing program.
type Code uint32

const (
	CodeBillingNotDue Code = 6000 + iota
	CodeSubscriptionNotActive
	CodeUnauthorizedAuthority
	CodePlanNotActive
	CodeGracePeriodNotElapsed
	CodeInvalidPlanName
	CodeAlreadyCancelled
	CodeOverflow
	CodeInvalidAmount
	CodeInvalidInterval
	CodeNotPastDue
	CodeInvalidCrankReward
	CodeSubscriptionCompleted
)

// Framework and token program codes that surface through collect_payment.
const (
	// CodeAccountNotInitialized is raised when a referenced record was closed.
	CodeAccountNotInitialized Code = 3012

	// CodeConstraintHasOne is raised when a record does not reference its parent.
	CodeConstraintHasOne Code = 2001

	// CodeConstraintSeeds is raised when a record does not sit at its derived address.
	CodeConstraintSeeds Code = 2006

	// CodeAccountDidNotDeserialize is raised for undecodable record bytes.
	CodeAccountDidNotDeserialize Code = 3003

	// CodeTokenInsufficientFunds is the token program's balance check.
	CodeTokenInsufficientFunds Code = 1

	// CodeTokenOwnerMismatch is the token program's delegate/owner check.
	CodeTokenOwnerMismatch Code = 4
)

var codeNames = map[Code]string{
	CodeBillingNotDue:            "BillingNotDue",
	CodeSubscriptionNotActive:    "SubscriptionNotActive",
	CodeUnauthorizedAuthority:    "UnauthorizedAuthority",
	CodePlanNotActive:            "PlanNotActive",
	CodeGracePeriodNotElapsed:    "GracePeriodNotElapsed",
	CodeInvalidPlanName:          "InvalidPlanName",
	CodeAlreadyCancelled:         "AlreadyCancelled",
	CodeOverflow:                 "Overflow",
	CodeInvalidAmount:            "InvalidAmount",
	CodeInvalidInterval:          "InvalidInterval",
	CodeNotPastDue:               "NotPastDue",
	CodeInvalidCrankReward:       "InvalidCrankReward",
	CodeSubscriptionCompleted:    "SubscriptionCompleted",
	CodeAccountNotInitialized:    "AccountNotInitialized",
	CodeConstraintHasOne:         "ConstraintHasOne",
	CodeConstraintSeeds:          "ConstraintSeeds",
	CodeAccountDidNotDeserialize: "AccountDidNotDeserialize",
	CodeTokenInsufficientFunds:   "InsufficientFunds",
	CodeTokenOwnerMismatch:       "OwnerMismatch",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Custom(%d)", uint32(c))
}

// IsStale reports whether c means the subscription moved on between the
// scan and the submission: already settled, cancelled, completed or closed.
func (c Code) IsStale() bool {
	switch c {
	case CodeBillingNotDue, CodeSubscriptionNotActive, CodeSubscriptionCompleted,
		CodeAlreadyCancelled, CodeAccountNotInitialized:
		return true
	}
	return false
}

// IsFunding reports whether c means the subscriber cannot currently pay.
func (c Code) IsFunding() bool {
	return c == CodeTokenInsufficientFunds || c == CodeTokenOwnerMismatch
}

// Names of collect_payment accounts as they appear in program logs.
const (
	AccountSubscription  = "subscription"
	AccountService       = "service"
	AccountPlan          = "plan"
	AccountSubscriberATA = "subscriber_token_account"
	AccountTreasury      = "treasury"
	AccountRewardAccount = "reward_account"
)

const causedByPrefix = "AnchorError caused by account: "

// CausedByLog is the log line the program emits when a constraint on the
// named account fails.
func CausedByLog(account string, c Code) string {
	return fmt.Sprintf("Program log: %s%s. Error Code: %s. Error Number: %d.", causedByPrefix, account, c, uint32(c))
}

// CausedByAccount returns the account blamed by a failed instruction's logs,
// or "" when the failure was not tied to an account.
func CausedByAccount(logs []string) string {
	for _, line := range logs {
		i := strings.Index(line, causedByPrefix)
		if i < 0 {
			continue
		}
		rest := line[i+len(causedByPrefix):]
		if end := strings.IndexByte(rest, '.'); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return ""
}
