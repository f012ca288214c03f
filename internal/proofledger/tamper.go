package proofledger

import "fmt"

// Tamper overwrites the payload of the event at index idx. Only tests have
// a mutation path into the ledger.
func (l *MemoryLedger) Tamper(idx int, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.events) {
		return fmt.Errorf("index %d out of range", idx)
	}
	l.events[idx].Payload = payload
	return nil
}
