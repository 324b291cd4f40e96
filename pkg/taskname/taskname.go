package taskname

const (
	// Reconciliation tasks
	ReconcileContractMissing = "reconcile:contract_missing"
	ReconcileScan            = "reconcile:scan"
)
