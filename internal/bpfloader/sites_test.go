package bpfloader

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
	"github.com/mrzor/bitcoind-observer/internal/usdt"
)

// fakeNotes maps addresses in [0x400000, 0x500000) to offset addr-0x400000.
type fakeNotes []usdt.Note

func (f fakeNotes) Find(provider, name string) ([]usdt.Note, error) {
	var out []usdt.Note
	for _, n := range f {
		if n.Provider == provider && n.Name == name {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s:%s", usdt.ErrProbeNotFound, provider, name)
	}
	return out, nil
}

func (f fakeNotes) Offset(vaddr uint64) (uint64, error) {
	if vaddr < 0x400000 || vaddr >= 0x500000 {
		return 0, errors.New("not in a loadable segment")
	}
	return vaddr - 0x400000, nil
}

func probe(provider, name string) bpf.Probe {
	return bpf.Probe{Provider: provider, Name: name}
}

func TestUprobeSites(t *testing.T) {
	notes := fakeNotes{
		{Provider: "utxocache", Name: "add", Location: 0x401000},
		{Provider: "utxocache", Name: "add", Location: 0x402000},
		{Provider: "mempool", Name: "added", Location: 0x410000, Semaphore: 0x4f0010},
	}

	sites, err := uprobeSites(notes, probe("utxocache", "add"))
	require.NoError(t, err)
	assert.Equal(t, []uprobeSite{{Offset: 0x1000}, {Offset: 0x2000}}, sites)

	sites, err = uprobeSites(notes, probe("mempool", "added"))
	require.NoError(t, err)
	assert.Equal(t, []uprobeSite{{Offset: 0x10000, RefCtrOffset: 0xf0010}}, sites)
}

func TestUprobeSites_Errors(t *testing.T) {
	notes := fakeNotes{
		{Provider: "net", Name: "inbound_message", Location: 0x10},
		{Provider: "net", Name: "outbound_message", Location: 0x401000, Semaphore: 0x900000},
	}

	_, err := uprobeSites(notes, probe("validation", "block_connected"))
	assert.ErrorIs(t, err, usdt.ErrProbeNotFound)

	_, err = uprobeSites(notes, probe("net", "inbound_message"))
	assert.Error(t, err)

	_, err = uprobeSites(notes, probe("net", "outbound_message"))
	assert.ErrorContains(t, err, "semaphore")
}

func TestUprobeSites_Args(t *testing.T) {
	notes := fakeNotes{
		{Provider: "net", Name: "inbound_message", Location: 0x401000, Args: "-8@%rbx 8@-64(%rbp)"},
		{Provider: "net", Name: "outbound_message", Location: 0x402000, Args: "8@%rbx 4@bogus(%rbp)"},
	}

	sites, err := uprobeSites(notes, probe("net", "inbound_message"))
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, []usdt.Arg{
		{Kind: usdt.ArgReg, Size: 8, Signed: true, Reg: "rbx"},
		{Kind: usdt.ArgRegDeref, Size: 8, Reg: "rbp", Value: -64},
	}, sites[0].Args)

	_, err = uprobeSites(notes, probe("net", "outbound_message"))
	assert.ErrorContains(t, err, "argument #2")
}
