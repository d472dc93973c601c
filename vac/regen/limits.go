package regen

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/virtac-project/virtac/vac/ca"
	"github.com/virtac-project/virtac/vac/lattice"
)

// metaFetchers caps the number of concurrent metadata requests so a large
// ring does not flood the gateway.
const metaFetchers = 32

// GenerateLimitsTable produces limits.csv by fetching the control metadata of
// every PV the lattice exposes. Fetches run concurrently; the first failure
// aborts the whole table.
func GenerateLimitsTable(ctx context.Context, lat lattice.Lattice, client ca.Client) (*Table, error) {
	pvs := collectPVNames(lat)

	var (
		mu    sync.Mutex
		metas = make(map[string]ca.Meta, len(pvs))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(metaFetchers)
	for _, pv := range pvs {
		pv := pv
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			meta, err := client.GetMeta(pv)
			if err != nil {
				return err
			}
			mu.Lock()
			metas[pv] = meta
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t := NewTable("pv", "upper", "lower", "precision", "drive_high", "drive_low", "scan")
	for _, pv := range pvs {
		meta := metas[pv]
		t.Append(pv,
			formatFloat(meta.UpperCtrlLimit),
			formatFloat(meta.LowerCtrlLimit),
			strconv.Itoa(meta.Precision),
			formatFloat(meta.UpperDispLimit),
			formatFloat(meta.LowerDispLimit),
			limitsScan(pv))
	}
	return t, nil
}

// limitsScan picks the SCAN field recorded for pv. The emittance readings are
// produced on a timer rather than on recalculation, so they scan periodically.
func limitsScan(pv string) string {
	switch pv {
	case "SR-DI-EMIT-01:HEMIT", "SR-DI-EMIT-01:VEMIT":
		return "1 second"
	}
	return "I/O Intr"
}

// collectPVNames gathers every readback and setpoint PV of the lattice and
// its elements, deduplicated, in encounter order.
func collectPVNames(lat lattice.Lattice) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(pv string, err error) {
		if errors.Is(err, lattice.ErrNoPV) {
			return
		}
		if err == nil && !seen[pv] {
			seen[pv] = true
			out = append(out, pv)
		}
	}
	for _, field := range lat.Fields() {
		for _, h := range []lattice.Handle{lattice.Readback, lattice.Setpoint} {
			pv, err := lat.PVName(field, h)
			add(pv, err)
		}
	}
	for _, elem := range lat.Elements() {
		for _, field := range elem.Fields() {
			for _, h := range []lattice.Handle{lattice.Readback, lattice.Setpoint} {
				pv, err := elem.PVName(field, h)
				add(pv, err)
			}
		}
	}
	return out
}
