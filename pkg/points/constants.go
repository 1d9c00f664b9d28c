package points

const (
	operationRedeem      = "redeem"
	operationTransfer    = "transfer"
	operationAward       = "award"
	operationIssueCards  = "issue_cards"
	operationDisableCard = "disable_card"
	operationReconcile   = "reconcile"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusRepaired = "repaired"

	referenceKeyDelimiter = ":"
	referencePrefixCard   = "card"
	referencePrefixAward  = "award"
	referenceTransfer     = "transfer"
	referenceLegDebit     = "debit"
	referenceLegCredit    = "credit"

	categoryRecharge = "recharge"
	categoryTransfer = "transfer"

	actorReconciler = "system:reconciler"

	maxCardBatchSize = 500
)

// CardReferencePrefix prefixes the reference key of every card-redemption
// credit; stores use it to match consumed cards against their credits.
const CardReferencePrefix = referencePrefixCard + referenceKeyDelimiter
