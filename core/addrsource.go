package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stablepay/paywatch/params"
)

// AddressSource issues the recipient address for each new session.
// Deployments that derive addresses from an extended public key plug their
// own implementation in here.
type AddressSource interface {
	NewAddress(network, sessionID string) (common.Address, error)
}

// RecipientAddressSource binds every session to its chain's configured
// recipient, the single address the chain watcher filters Transfer logs
// for. Combined with the registry's open-session index this admits one
// PENDING session per chain at a time; a second concurrent CreateSession
// fails with AddressUnavailable until the first session leaves PENDING.
type RecipientAddressSource struct {
	chains map[string]*params.Chain
}

// NewRecipientAddressSource creates the default address source over the
// configured chains.
func NewRecipientAddressSource(chains map[string]*params.Chain) *RecipientAddressSource {
	return &RecipientAddressSource{chains: chains}
}

// NewAddress returns the chain's recipient address.
func (s *RecipientAddressSource) NewAddress(network, sessionID string) (common.Address, error) {
	chain, ok := s.chains[network]
	if !ok || chain.Recipient == (common.Address{}) {
		return common.Address{}, ErrAddressUnavailable
	}
	return chain.Recipient, nil
}

// EphemeralAddressSource derives each address from a freshly generated
// secp256k1 key and discards the key. For deployments that provision a log
// filter per issued address instead of watching one fixed recipient; the
// gateway only observes inbound transfers, so no custody of the private key
// is needed.
type EphemeralAddressSource struct {
	mu     sync.Mutex
	issued map[common.Address]struct{}
}

// NewEphemeralAddressSource creates an address source with an empty issuance
// record.
func NewEphemeralAddressSource() *EphemeralAddressSource {
	return &EphemeralAddressSource{issued: make(map[common.Address]struct{})}
}

// NewAddress returns a fresh EVM address never issued by this source before.
func (s *EphemeralAddressSource) NewAddress(network, sessionID string) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return common.Address{}, err
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := s.issued[addr]; dup {
			continue
		}
		s.issued[addr] = struct{}{}
		return addr, nil
	}
	return common.Address{}, ErrAddressUnavailable
}
