package bpfloader

import (
	"fmt"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
	"github.com/mrzor/bitcoind-observer/internal/usdt"
)

// siteResolver is the part of usdt.File attachment needs.
type siteResolver interface {
	Find(provider, name string) ([]usdt.Note, error)
	Offset(vaddr uint64) (uint64, error)
}

// uprobeSite is where one uprobe goes, as file offsets.
type uprobeSite struct {
	Offset       uint64
	RefCtrOffset uint64 // semaphore; 0 when the probe has none
	Args         []usdt.Arg
}

func uprobeSites(r siteResolver, p bpf.Probe) ([]uprobeSite, error) {
	notes, err := r.Find(p.Provider, p.Name)
	if err != nil {
		return nil, err
	}

	sites := make([]uprobeSite, 0, len(notes))
	for _, n := range notes {
		off, err := r.Offset(n.Location)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		var ref uint64
		if n.Semaphore != 0 {
			if ref, err = r.Offset(n.Semaphore); err != nil {
				return nil, fmt.Errorf("%s semaphore: %w", n, err)
			}
		}
		args, err := usdt.ParseArgs(n.Args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		sites = append(sites, uprobeSite{Offset: off, RefCtrOffset: ref, Args: args})
	}
	return sites, nil
}
