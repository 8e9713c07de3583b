package certify

import (
	"errors"
	"fmt"

	"coursemarket/core/events"
	"coursemarket/core/types"
)

// MaxBatchSize bounds a single BatchCertify call so an over-large admin
// request cannot stall the serialized transaction loop.
const MaxBatchSize = 100

var (
	ErrNilState          = errors.New("certify: state not configured")
	ErrUnauthorized      = errors.New("certify: unauthorized")
	ErrInvalidInstructor = errors.New("certify: invalid instructor address")
	ErrBatchSizeExceeded = errors.New("certify: batch size exceeded")
)

const (
	// EventTypeInstructorCertified is emitted for each newly certified
	// instructor.
	EventTypeInstructorCertified = "certify.instructor.certified"
	// EventTypeInstructorRevoked is emitted when a certification is revoked.
	EventTypeInstructorRevoked = "certify.instructor.revoked"
)

type registryState interface {
	InstructorCertify(addr [20]byte) error
	InstructorRevoke(addr [20]byte) error
	InstructorIsCertified(addr [20]byte) bool
}

// Registry tracks which identities may publish courses. It implements the
// market engine's CertAuthority.
type Registry struct {
	state   registryState
	emitter events.Emitter
	admin   [20]byte
}

// NewRegistry creates a registry backed by the provided state.
func NewRegistry(state registryState) *Registry {
	return &Registry{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetAdmin configures the platform identity allowed to mutate the registry.
func (r *Registry) SetAdmin(addr [20]byte) { r.admin = addr }

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(wrapEvent(evt))
}

func (r *Registry) authorize(caller [20]byte) error {
	if r.state == nil {
		return ErrNilState
	}
	if caller != r.admin {
		return ErrUnauthorized
	}
	return nil
}

// Certify marks a single instructor as authorized. Idempotent.
func (r *Registry) Certify(caller [20]byte, addr [20]byte) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	return r.certifyOne(addr)
}

// BatchCertify certifies up to MaxBatchSize instructors in one call.
// Duplicates in the input certify once; the batch is rejected outright when
// over the limit, before any entry is applied.
func (r *Registry) BatchCertify(caller [20]byte, addrs [][20]byte) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	if len(addrs) > MaxBatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchSizeExceeded, len(addrs), MaxBatchSize)
	}
	seen := make(map[[20]byte]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if err := r.certifyOne(addr); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) certifyOne(addr [20]byte) error {
	var zero [20]byte
	if addr == zero {
		return ErrInvalidInstructor
	}
	if r.state.InstructorIsCertified(addr) {
		return nil
	}
	if err := r.state.InstructorCertify(addr); err != nil {
		return err
	}
	r.emit(&types.Event{
		Type:       EventTypeInstructorCertified,
		Attributes: map[string]string{"instructor": hexAddr(addr)},
	})
	return nil
}

// Revoke removes an instructor's certification. Existing courses keep their
// purchase history; the instructor simply cannot create new ones.
func (r *Registry) Revoke(caller [20]byte, addr [20]byte) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	if !r.state.InstructorIsCertified(addr) {
		return nil
	}
	if err := r.state.InstructorRevoke(addr); err != nil {
		return err
	}
	r.emit(&types.Event{
		Type:       EventTypeInstructorRevoked,
		Attributes: map[string]string{"instructor": hexAddr(addr)},
	})
	return nil
}

// IsAuthorized implements market.CertAuthority.
func (r *Registry) IsAuthorized(addr [20]byte) bool {
	if r == nil || r.state == nil {
		return false
	}
	return r.state.InstructorIsCertified(addr)
}
