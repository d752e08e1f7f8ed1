package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/crispyconductor/tightcnc-go/gcode"
)

// BufferSize is the per-stage backpressure window: a processor that
// outruns its downstream neighbor blocks once it has 20 unconsumed
// lines buffered ahead of it.
const BufferSize = 20

// Chain is an ordered, built processor list plus an id index.
type Chain struct {
	processors []Processor
	index      map[string]int
}

// Processors returns the chain's processors in pipeline order.
func (c *Chain) Processors() []Processor { return c.processors }

// ByID looks up a processor by its consolidated id (last-write-wins:
// see Build).
func (c *Chain) ByID(id string) (Processor, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.processors[i], true
}

func indexByID(procs []Processor) map[string]int {
	idx := make(map[string]int, len(procs))
	for i, p := range procs {
		idx[p.ID()] = i // later entries win when two processors share an id
	}
	return idx
}

func copyProcessor(p Processor) (Processor, error) {
	if c, ok := p.(Copier); ok {
		return c.Copy()
	}
	return p, nil
}

// Build runs the chain-construction protocol: AddToChain splicing,
// preprocess-capability wiring, and in-order Init. sourceFactory must
// return a fresh, independently-iterable source each time it's called
// - preprocess re-reads the original input from scratch for every
// processor that asks for it.
func Build(initial []Processor, sourceFactory func() (*gcode.Source, error)) (*Chain, error) {
	var accum []Processor
	for _, p := range initial {
		if ap, ok := p.(ChainAppender); ok {
			accum = append(accum, ap.AddToChain()...)
		} else {
			accum = append(accum, p)
		}
	}

	chain := &Chain{processors: accum, index: indexByID(accum)}

	for k, p := range accum {
		k := k
		preprocess := func() (*PreprocessResult, error) {
			copies := make([]Processor, k)
			for i := 0; i < k; i++ {
				cp, err := copyProcessor(accum[i])
				if err != nil {
					return nil, errors.Wrapf(err, "copy processor %s for preprocess", accum[i].ID())
				}
				if dr, ok := cp.(DryRunnable); ok {
					dr.SetDryRun(true)
				}
				copies[i] = cp
			}

			src, err := sourceFactory()
			if err != nil {
				return nil, errors.Wrap(err, "reopen source for preprocess")
			}

			var out []*gcode.Line
			var procErr error
			src.Each(func(line *gcode.Line) {
				if procErr != nil {
					return
				}
				cur := []*gcode.Line{line}
				for _, cp := range copies {
					var next []*gcode.Line
					for _, cl := range cur {
						res, err := cp.Process(cl)
						if err != nil {
							procErr = errors.Wrapf(err, "preprocess via %s", cp.ID())
							return
						}
						next = append(next, res...)
					}
					cur = next
				}
				for _, cl := range cur {
					cl.CallAllHooks()
				}
				out = append(out, cur...)
			}, nil)
			if procErr != nil {
				return nil, procErr
			}

			return &PreprocessResult{Lines: out, Chain: &Chain{processors: copies, index: indexByID(copies)}}, nil
		}

		if initializer, ok := p.(Initializer); ok {
			if err := initializer.Init(preprocess); err != nil {
				return nil, errors.Wrapf(err, "init processor %s", p.ID())
			}
		}
	}

	return chain, nil
}

func annotate(p Processor, line *gcode.Line) {
	if sp, ok := p.(StatusProvider); ok {
		if st := sp.Status(); st != nil {
			line.Annotations[p.ID()] = st
		}
	}
}

// Run wires the live chain: in is piped through every processor in
// order, each running in its own goroutine connected by BufferSize
// channels, and closes its output once upstream closes and Flush (if
// any) has drained. Errors are non-blocking best-effort delivered on
// errCh (capacity 1); the caller should also watch ctx for cancellation
// on error since downstream stages are not automatically unwound.
func (c *Chain) Run(ctx context.Context, in <-chan *gcode.Line) (<-chan *gcode.Line, <-chan error) {
	errCh := make(chan error, 1)
	cur := in
	for _, p := range c.processors {
		cur = stage(ctx, p, cur, errCh)
	}
	return cur, errCh
}

func stage(ctx context.Context, p Processor, in <-chan *gcode.Line, errCh chan<- error) <-chan *gcode.Line {
	out := make(chan *gcode.Line, BufferSize)
	emit := func(l *gcode.Line) bool {
		annotate(p, l)
		select {
		case out <- l:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		select {
		case errCh <- errors.Wrapf(err, "processor %s", p.ID()):
		default:
		}
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-in:
				if !ok {
					if f, ok := p.(Flusher); ok {
						flushed, err := f.Flush()
						if err != nil {
							fail(err)
							return
						}
						for _, l := range flushed {
							if !emit(l) {
								return
							}
						}
					}
					return
				}
				result, err := p.Process(line)
				if err != nil {
					fail(err)
					return
				}
				for _, l := range result {
					if !emit(l) {
						return
					}
				}
			}
		}
	}()
	return out
}
