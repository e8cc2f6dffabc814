package wallet

const (
	operationAllocate = "allocate"
	operationTopUp    = "topup"
	operationReserve  = "reserve"
	operationCommit   = "commit"
	operationRelease  = "release"
	operationRefund   = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultEntriesLimit = 100
	maxEntriesLimit     = 500
)
