/*

This file contains the in-memory certificate registry, the reference
implementation of the Issuer collaborator. Certificate ids are uuids; the
registry tracks ownership and settlement state.

*/

package certificates

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/commitlabs/clm/internal/logger"
	"github.com/commitlabs/clm/internal/types"
)

var (
	ErrNotFound       = errors.New("certificate not found")
	ErrAlreadySettled = errors.New("certificate already settled")
	ErrNotOwner       = errors.New("certificate not owned by sender")
)

type certificate struct {
	owner   types.Address
	meta    Metadata
	settled bool
}

// Registry is an in-memory Issuer implementation.
type Registry struct {
	mu     sync.Mutex
	certs  map[string]*certificate
	logger zerolog.Logger
}

// NewRegistry returns an empty certificate registry.
func NewRegistry() *Registry {
	return &Registry{
		certs:  make(map[string]*certificate),
		logger: logger.GetForComponent("certificate_registry"),
	}
}

// Mint issues a certificate for owner and returns its id.
func (r *Registry) Mint(owner types.Address, meta Metadata) (string, error) {
	id := uuid.New().String()
	r.mu.Lock()
	r.certs[id] = &certificate{owner: owner, meta: meta}
	r.mu.Unlock()

	r.logger.Info().
		Str("certificateID", id).
		Str("owner", string(owner)).
		Uint64("commitmentID", uint64(meta.CommitmentID)).
		Msg("Certificate minted")
	return id, nil
}

// Settle marks a certificate settled. A settled certificate cannot be settled again.
func (r *Registry) Settle(certificateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cert, ok := r.certs[certificateID]
	if !ok {
		return ErrNotFound
	}
	if cert.settled {
		return ErrAlreadySettled
	}
	cert.settled = true
	return nil
}

// Transfer reassigns certificate ownership. Settled certificates stay transferable
// so holders can move resolved receipts; marketplaces enforce their own rules.
func (r *Registry) Transfer(from, to types.Address, certificateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cert, ok := r.certs[certificateID]
	if !ok {
		return ErrNotFound
	}
	if cert.owner != from {
		return ErrNotOwner
	}
	cert.owner = to
	return nil
}

// Owner returns the current holder of a certificate.
func (r *Registry) Owner(certificateID string) (types.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cert, ok := r.certs[certificateID]
	if !ok {
		return "", ErrNotFound
	}
	return cert.owner, nil
}
