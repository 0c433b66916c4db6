package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/paywatch/params"
)

func TestRecipientAddressSource(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000FE")
	source := NewRecipientAddressSource(map[string]*params.Chain{
		"BEP20": {ID: "BEP20", Recipient: recipient},
		"AMOY":  {ID: "AMOY"}, // recipient not configured
	})

	addr, err := source.NewAddress("BEP20", "s1")
	require.NoError(t, err)
	assert.Equal(t, recipient, addr)

	// Every session on the chain shares the watched address.
	again, err := source.NewAddress("BEP20", "s2")
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	_, err = source.NewAddress("AMOY", "s3")
	assert.ErrorIs(t, err, ErrAddressUnavailable)
	_, err = source.NewAddress("SOLANA", "s4")
	assert.ErrorIs(t, err, ErrAddressUnavailable)
}

func TestEphemeralAddressSourceIssuesUniqueAddresses(t *testing.T) {
	source := NewEphemeralAddressSource()
	seen := map[common.Address]struct{}{}
	for i := 0; i < 32; i++ {
		addr, err := source.NewAddress("BEP20", "s")
		require.NoError(t, err)
		assert.NotEqual(t, common.Address{}, addr)
		_, dup := seen[addr]
		assert.False(t, dup)
		seen[addr] = struct{}{}
	}
}
