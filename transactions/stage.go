package transactions

// Stage identifies a step of transfer execution. Stages are reported to
// progress listeners in the order declared here; the proving stages dominate
// wall-clock time, so UIs key spinners off them.
type Stage string

const (
	StageSelectingNotes        Stage = "selecting_notes"
	StageBuildingTransaction   Stage = "building_transaction"
	StageInitializingProver    Stage = "initializing_prover"
	StageGeneratingProof       Stage = "generating_proof"
	StageSubmittingTransaction Stage = "submitting_transaction"
	StageNotifyingRecipient    Stage = "notifying_recipient"
	StageComplete              Stage = "complete"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageSelectingNotes,
	StageBuildingTransaction,
	StageInitializingProver,
	StageGeneratingProof,
	StageSubmittingTransaction,
	StageNotifyingRecipient,
	StageComplete,
}
