// Package quota implements the per-owner storage quota ledger.
//
// Writes follow a reserve / commit / release protocol: space is reserved
// before any backend write, committed once the write is durable, and
// released if the write fails. In-flight reservations count against the
// limit so concurrent uploads cannot jointly overshoot it.
package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/domain"
)

// Store is the persistence surface the ledger needs.
// repository.OwnerRepository satisfies it.
type Store interface {
	// GetByID retrieves an owner by ID.
	GetByID(ctx context.Context, id int64) (*domain.Owner, error)

	// AddUsage atomically adjusts used_bytes by delta.
	AddUsage(ctx context.Context, ownerID int64, delta int64) error

	// GetUsage returns the current used_bytes for an owner.
	GetUsage(ctx context.Context, ownerID int64) (int64, error)
}

// numStripes is the number of mutex stripes for owner serialization.
const numStripes = 64

// Ledger tracks committed and in-flight usage per owner.
type Ledger struct {
	store  Store
	logger zerolog.Logger

	// stripes serialize the check-and-reserve step per owner so two
	// concurrent reservations can't both pass the limit check.
	stripes [numStripes]sync.Mutex

	// pendingMu guards pending.
	pendingMu sync.Mutex

	// pending holds reserved-but-uncommitted bytes per owner.
	pending map[int64]int64
}

// NewLedger creates a new quota ledger.
func NewLedger(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With().Str("component", "quota").Logger(),
		pending: make(map[int64]int64),
	}
}

// stripe returns the mutex serializing reservations for an owner.
func (l *Ledger) stripe(ownerID int64) *sync.Mutex {
	return &l.stripes[uint64(ownerID)%numStripes]
}

// Pending returns the in-flight reserved bytes for an owner.
func (l *Ledger) Pending(ownerID int64) int64 {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return l.pending[ownerID]
}

func (l *Ledger) addPending(ownerID, delta int64) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	next := l.pending[ownerID] + delta
	if next <= 0 {
		delete(l.pending, ownerID)
		return
	}
	l.pending[ownerID] = next
}

// Reserve reserves size bytes against the owner's quota.
// Returns domain.ErrQuotaExceeded if committed plus in-flight usage would
// pass the limit. The caller must Commit or Release the reservation.
func (l *Ledger) Reserve(ctx context.Context, ownerID int64, size int64) (*Reservation, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative reservation size %d", size)
	}

	mu := l.stripe(ownerID)
	mu.Lock()
	defer mu.Unlock()

	owner, err := l.store.GetByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if owner.HasQuotaLimit() {
		inFlight := l.Pending(ownerID)
		if owner.UsedBytes+inFlight+size > owner.QuotaBytes {
			l.logger.Debug().
				Int64("owner_id", ownerID).
				Int64("used", owner.UsedBytes).
				Int64("pending", inFlight).
				Int64("requested", size).
				Int64("limit", owner.QuotaBytes).
				Msg("reservation denied")
			return nil, domain.NewDomainError(domain.ErrQuotaExceeded,
				fmt.Sprintf("requested %d bytes", size),
				fmt.Sprintf("owner %d", ownerID))
		}
	}

	l.addPending(ownerID, size)

	return &Reservation{
		ledger:  l,
		ownerID: ownerID,
		size:    size,
	}, nil
}

// IsQuotaExceeded reports whether the owner is already at or over their
// limit, counting in-flight reservations. Callers use it to reject cheaply
// before any backend I/O; Reserve remains the authoritative check.
func (l *Ledger) IsQuotaExceeded(ctx context.Context, ownerID int64) (bool, error) {
	owner, err := l.store.GetByID(ctx, ownerID)
	if err != nil {
		return false, err
	}
	if !owner.HasQuotaLimit() {
		return false, nil
	}
	return owner.UsedBytes+l.Pending(ownerID) >= owner.QuotaBytes, nil
}

// Commit makes committed usage durable after a successful backend write.
func (l *Ledger) commit(ctx context.Context, ownerID, size int64) error {
	if err := l.store.AddUsage(ctx, ownerID, size); err != nil {
		// The reservation stays released either way; usage drift is
		// repaired by Reconcile.
		l.addPending(ownerID, -size)
		return fmt.Errorf("failed to commit %d bytes for owner %d: %w", size, ownerID, err)
	}
	l.addPending(ownerID, -size)
	return nil
}

// release drops an unused reservation.
func (l *Ledger) release(ownerID, size int64) {
	l.addPending(ownerID, -size)
}

// ReleaseBytes returns previously committed bytes to the owner, used when
// stored objects are deleted. The stored value is clamped at zero.
func (l *Ledger) ReleaseBytes(ctx context.Context, ownerID, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := l.store.AddUsage(ctx, ownerID, -size); err != nil {
		return fmt.Errorf("failed to release %d bytes for owner %d: %w", size, ownerID, err)
	}
	return nil
}

// Reconcile repairs drift between the stored counter and the actual bytes
// held in stored objects (e.g. after a commit failed mid-flight).
func (l *Ledger) Reconcile(ctx context.Context, ownerID, actualBytes int64) error {
	mu := l.stripe(ownerID)
	mu.Lock()
	defer mu.Unlock()

	recorded, err := l.store.GetUsage(ctx, ownerID)
	if err != nil {
		return err
	}

	delta := actualBytes - recorded
	if delta == 0 {
		return nil
	}

	l.logger.Warn().
		Int64("owner_id", ownerID).
		Int64("recorded", recorded).
		Int64("actual", actualBytes).
		Msg("reconciling usage drift")

	return l.store.AddUsage(ctx, ownerID, delta)
}

// Usage returns the owner's committed usage and limit.
func (l *Ledger) Usage(ctx context.Context, ownerID int64) (domain.Usage, error) {
	owner, err := l.store.GetByID(ctx, ownerID)
	if err != nil {
		return domain.Usage{}, err
	}
	return domain.Usage{
		BytesUsed:  owner.UsedBytes,
		BytesLimit: owner.QuotaBytes,
	}, nil
}

// Reservation is a granted quota reservation. Exactly one of Commit or
// Release must be called; both are idempotent.
type Reservation struct {
	ledger  *Ledger
	ownerID int64
	size    int64

	mu   sync.Mutex
	done bool
}

// Size returns the reserved byte count.
func (r *Reservation) Size() int64 {
	return r.size
}

// Commit converts the reservation into committed usage.
func (r *Reservation) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil
	}
	r.done = true

	return r.ledger.commit(ctx, r.ownerID, r.size)
}

// Release drops the reservation without committing.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.done = true

	r.ledger.release(r.ownerID, r.size)
}
