package settlement

import "fmt"

const (
	// DepositRecordSize is the persisted size of one record: from(20) + to(20) + amount(8).
	DepositRecordSize = 20 + 20 + 8
	// ledgerHeaderSize is the account discriminator plus the length prefix.
	ledgerHeaderSize = 8 + 4
)

// RequiredSpace returns the size of the fixed slot a ledger with the given
// capacity must be allocated in.
func RequiredSpace(capacity int) int {
	return ledgerHeaderSize + capacity*DepositRecordSize
}

// DepositLedger is an append-only, bounded queue of deposits awaiting
// inclusion in a finalized batch. Records are never reordered and removal
// always takes a contiguous prefix.
//
// DepositLedger is not safe for concurrent use; Machine serializes access.
type DepositLedger struct {
	capacity int
	records  []DepositRecord

	totalAppended uint64
	totalDrained  uint64
}

// NewDepositLedger creates an empty ledger. A capacity <= 0 selects DefaultMaxQueueSize.
func NewDepositLedger(capacity int) *DepositLedger {
	if capacity <= 0 {
		capacity = DefaultMaxQueueSize
	}
	return &DepositLedger{
		capacity: capacity,
		records:  make([]DepositRecord, 0, capacity),
	}
}

func (l *DepositLedger) Len() int { return len(l.records) }

func (l *DepositLedger) Cap() int { return l.capacity }

func (l *DepositLedger) TotalAppended() uint64 { return l.totalAppended }

func (l *DepositLedger) TotalDrained() uint64 { return l.totalDrained }

// Records returns a copy of the queued records in order.
func (l *DepositLedger) Records() []DepositRecord {
	return append([]DepositRecord(nil), l.records...)
}

// At returns the queued record at lifetime position. Drained and future
// positions report false.
func (l *DepositLedger) At(position uint64) (DepositRecord, bool) {
	if position < l.totalDrained || position >= l.totalAppended {
		return DepositRecord{}, false
	}
	return l.records[position-l.totalDrained], true
}

func (l *DepositLedger) Append(rec DepositRecord) error {
	if len(l.records) >= l.capacity {
		return fmt.Errorf("%w: deposit queue holds %d of %d", ErrCapacityExceeded, len(l.records), l.capacity)
	}
	l.records = append(l.records, rec)
	l.totalAppended++
	return nil
}

// DrainPrefix removes and returns the first count records. It either removes
// exactly count records or nothing.
func (l *DepositLedger) DrainPrefix(count uint64) ([]DepositRecord, error) {
	if count > uint64(len(l.records)) {
		return nil, fmt.Errorf("%w: requested %d, queued %d", ErrInsufficientDeposits, count, len(l.records))
	}
	out := append([]DepositRecord(nil), l.records[:count]...)

	rest := make([]DepositRecord, len(l.records)-int(count), l.capacity)
	copy(rest, l.records[count:])
	l.records = rest
	l.totalDrained += count
	return out, nil
}

func (l *DepositLedger) clone() *DepositLedger {
	out := &DepositLedger{
		capacity:      l.capacity,
		records:       make([]DepositRecord, len(l.records), l.capacity),
		totalAppended: l.totalAppended,
		totalDrained:  l.totalDrained,
	}
	copy(out.records, l.records)
	return out
}
