package paging

// fullFlushThreshold is the range length above which a range invalidation
// is replaced by a single full flush (spec.md §4.2).
const fullFlushThreshold = 32

// InvalidatePage invalidates a single TLB entry for va in ctx. There is no
// real TLB in this simulated kernel; the counters exist so tests can
// observe invalidation behavior the way the teacher's
// runtime-level TLB shootdown code would be observed on real hardware.
func (p *Paging) InvalidatePage(ctx *Context, va VA) {
	ctx.invlpgCount++
}

// InvalidateRange invalidates n consecutive pages starting at va. Ranges
// longer than fullFlushThreshold pages trigger a full flush instead of n
// single-page invalidations.
func (p *Paging) InvalidateRange(ctx *Context, va VA, n int) {
	if n > fullFlushThreshold {
		p.FlushAll(ctx)
		return
	}
	for i := 0; i < n; i++ {
		p.InvalidatePage(ctx, va+VA(i*PGSIZE))
	}
}

// FlushAll invalidates every TLB entry for ctx.
func (p *Paging) FlushAll(ctx *Context) {
	ctx.flushCount++
}

// TLBStats reports per-context invalidation counters.
type TLBStats struct {
	InvlpgCount int64
	FlushCount  int64
}

// Stats returns ctx's TLB counters.
func (ctx *Context) Stats() TLBStats {
	return TLBStats{InvlpgCount: ctx.invlpgCount, FlushCount: ctx.flushCount}
}
