// Package bpfloader manages the lifecycle of the probe programs and their
// USDT attachments.
package bpfloader

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
	"github.com/mrzor/bitcoind-observer/internal/usdt"
)

// ErrNoProbes is returned when not a single probe could be attached.
var ErrNoProbes = errors.New("no probes attached")

// Loader manages the lifecycle of the probe programs and their attachments.
type Loader struct {
	coll   *ebpf.Collection
	links  []link.Link
	logger *zap.Logger
	tracer trace.Tracer

	// specs holds the argument spec of every attached site, indexed by the
	// uprobe cookie. nil when the object reads arguments some other way.
	specs    *ebpf.Map
	nextSpec uint32
}

// Attachment summarizes a successful Attach.
type Attachment struct {
	Probes []bpf.Probe // probes with every site attached
	Failed []bpf.Probe // probes skipped in partial mode
	Sites  int
}

// New loads the compiled probe object at objPath into the kernel.
func New(objPath string, logger *zap.Logger, tracer trace.Tracer) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %s: %w", objPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	specs := coll.Maps[usdt.SpecMap]
	if specs != nil && specs.ValueSize() != usdt.SpecSize {
		coll.Close()
		return nil, fmt.Errorf("map %s: value size %d, want %d", usdt.SpecMap, specs.ValueSize(), usdt.SpecSize)
	}

	logger.Debug("loaded BPF object",
		zap.String("path", objPath),
		zap.Int("programs", len(coll.Programs)),
		zap.Int("maps", len(coll.Maps)),
		zap.Bool("usdt_specs", specs != nil),
	)

	return &Loader{coll: coll, logger: logger, tracer: tracer, specs: specs}, nil
}

// closeErrorf closes all attached links and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	for i := len(l.links) - 1; i >= 0; i-- {
		_ = l.links[i].Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links = nil
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach hooks every site of probes in the binary at target. Unless
// allowPartial is set, the first failure detaches everything and is
// returned. In partial mode failures are logged and skipped, but at least
// one probe must attach.
func (l *Loader) Attach(ctx context.Context, target string, probes []bpf.Probe, allowPartial bool) (*Attachment, error) {
	ctx, span := l.tracer.Start(ctx, "attach",
		trace.WithAttributes(
			attribute.String("usdt.target", target),
			attribute.Int("usdt.probes", len(probes)),
			attribute.Bool("usdt.allow_partial", allowPartial),
		))
	defer span.End()

	notes, err := usdt.Open(target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reading USDT notes")
		return nil, fmt.Errorf("reading USDT notes: %w", err)
	}

	ex, err := link.OpenExecutable(target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "opening executable")
		return nil, fmt.Errorf("opening executable %s: %w", target, err)
	}

	if l.specs == nil {
		l.logger.Info("BPF object has no USDT spec map, probe arguments are not resolved",
			zap.String("map", usdt.SpecMap))
	}

	att := &Attachment{}
	for _, p := range probes {
		n, err := l.attachProbe(ctx, ex, notes, p)
		if err != nil {
			if !allowPartial {
				span.SetStatus(codes.Error, err.Error())
				return nil, l.closeErrorf(fmt.Sprintf("attaching %s", p), err)
			}
			l.logger.Warn("skipping probe", zap.Stringer("probe", p), zap.Error(err))
			att.Failed = append(att.Failed, p)
			continue
		}
		att.Probes = append(att.Probes, p)
		att.Sites += n
	}

	if len(att.Probes) == 0 {
		span.SetStatus(codes.Error, ErrNoProbes.Error())
		return nil, l.closeErrorf(target, ErrNoProbes)
	}

	span.SetAttributes(attribute.Int("usdt.sites", att.Sites))
	return att, nil
}

// attachProbe attaches p at every one of its sites and returns how many.
// On error the sites already attached for p are detached.
func (l *Loader) attachProbe(ctx context.Context, ex *link.Executable, notes siteResolver, p bpf.Probe) (int, error) {
	_, span := l.tracer.Start(ctx, "attach "+p.String(),
		trace.WithAttributes(
			attribute.String("usdt.provider", p.Provider),
			attribute.String("usdt.name", p.Name),
			attribute.String("bpf.program", p.Program),
		))
	defer span.End()

	fail := func(err error) (int, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	prog := l.coll.Programs[p.Program]
	if prog == nil {
		return fail(fmt.Errorf("program %q not found in BPF object", p.Program))
	}

	sites, err := uprobeSites(notes, p)
	if err != nil {
		return fail(err)
	}

	var attached []link.Link
	rollback := func(err error) (int, error) {
		for _, a := range attached {
			_ = a.Close() //nolint:errcheck // Best-effort cleanup in error path
		}
		return fail(err)
	}

	for _, s := range sites {
		opts := &link.UprobeOptions{
			Address:      s.Offset,
			RefCtrOffset: s.RefCtrOffset,
		}
		if l.specs != nil {
			id, err := l.writeSpec(s.Args)
			if err != nil {
				return rollback(fmt.Errorf("site %#x: %w", s.Offset, err))
			}
			opts.Cookie = uint64(id)
		}

		lk, err := ex.Uprobe(p.Name, prog, opts)
		if err != nil {
			return rollback(fmt.Errorf("uprobe at %#x: %w", s.Offset, err))
		}
		attached = append(attached, lk)
	}

	l.links = append(l.links, attached...)
	span.SetAttributes(attribute.Int("usdt.sites", len(sites)))
	l.logger.Info("attached probe",
		zap.Stringer("probe", p),
		zap.String("program", p.Program),
		zap.Int("sites", len(sites)),
	)
	return len(sites), nil
}

// writeSpec stores the argument spec of one site and returns its index.
// Indexes are not reused, so a failed attach leaves an unreferenced slot.
func (l *Loader) writeSpec(args []usdt.Arg) (uint32, error) {
	if l.nextSpec >= l.specs.MaxEntries() {
		return 0, fmt.Errorf("map %s is full (%d specs)", usdt.SpecMap, l.specs.MaxEntries())
	}
	buf, err := usdt.EncodeSpec(args, runtime.GOARCH)
	if err != nil {
		return 0, err
	}

	id := l.nextSpec
	if err := l.specs.Put(id, buf); err != nil {
		return 0, fmt.Errorf("writing USDT spec %d: %w", id, err)
	}
	l.nextSpec++
	return id, nil
}

// OpenChannel opens a perf reader on the channel's map. perCPUBuffer is the
// ring size per CPU in bytes.
func (l *Loader) OpenChannel(ch bpf.Channel, perCPUBuffer int) (*PerfReader, error) {
	m := l.coll.Maps[ch.Map]
	if m == nil {
		return nil, fmt.Errorf("map %q not found in BPF object", ch.Map)
	}
	return newPerfReader(m, perCPUBuffer)
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link: %w", err))
		}
	}
	l.links = nil

	l.coll.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}
