package domain

// Operation names a logical command a control component can be asked to run.
// The set is closed: identities are only ever built from these constants.
type Operation string

const (
	// OperationGenerateKeys generates a node's election key pair.
	OperationGenerateKeys Operation = "GENERATE_KEYS"

	// OperationGenerateSetupKeyPair generates the setup component key pair.
	OperationGenerateSetupKeyPair Operation = "GENERATE_SETUP_KEY_PAIR"

	// OperationGenerateProof produces a zero-knowledge proof over a payload.
	OperationGenerateProof Operation = "GENERATE_PROOF"

	// OperationComputeDecryptionShare computes a node's partial decryption.
	OperationComputeDecryptionShare Operation = "COMPUTE_DECRYPTION_SHARE"

	// OperationShuffleAndDecrypt runs a mix-net shuffle followed by partial decryption.
	OperationShuffleAndDecrypt Operation = "SHUFFLE_AND_DECRYPT"

	// OperationComputeReturnCodes derives the return codes of a vote.
	OperationComputeReturnCodes Operation = "COMPUTE_RETURN_CODES"

	// OperationPersistKeyShares stores key shares received from peers.
	OperationPersistKeyShares Operation = "PERSIST_KEY_SHARES"
)

var operations = map[Operation]struct{}{
	OperationGenerateKeys:           {},
	OperationGenerateSetupKeyPair:   {},
	OperationGenerateProof:          {},
	OperationComputeDecryptionShare: {},
	OperationShuffleAndDecrypt:      {},
	OperationComputeReturnCodes:     {},
	OperationPersistKeyShares:       {},
}

// Operations returns every known operation.
func Operations() []Operation {
	return []Operation{
		OperationGenerateKeys,
		OperationGenerateSetupKeyPair,
		OperationGenerateProof,
		OperationComputeDecryptionShare,
		OperationShuffleAndDecrypt,
		OperationComputeReturnCodes,
		OperationPersistKeyShares,
	}
}

// Valid reports whether o belongs to the closed operation set.
func (o Operation) Valid() bool {
	_, ok := operations[o]
	return ok
}

// ParseOperation converts s into a known Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", NewInvalidCommandError("operation", "unknown operation %q", s)
	}
	return op, nil
}

func (o Operation) String() string {
	return string(o)
}
