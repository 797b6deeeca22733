package domain

import "time"

// ExecutionID keys the guard-only variant: an action that must run at most
// once within one process, without a cached response.
type ExecutionID struct {
	Context string
	Key     string
}

// Validate checks that both components are present.
func (id ExecutionID) Validate() error {
	if err := validateToken("context", id.Context); err != nil {
		return err
	}
	return validateToken("execution_key", id.Key)
}

func (id ExecutionID) String() string {
	return id.Context + "/" + id.Key
}

// ExecutionRecord is the evidence that a guarded action ran.
type ExecutionRecord struct {
	ID        ExecutionID
	Digest    []byte
	CreatedAt time.Time
	Version   int64
}
