package proofledger

// HashEvent exposes hashEvent for hash-stability tests.
func HashEvent(e *Event) (string, error) { return hashEvent(e) }
