package bench

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/punica/internal/engine"
)

// Options controls a sweep.
type Options struct {
	Warmup   int
	Iters    int
	PageSize int
	// Progress, when set, is called once per finished case.
	Progress func()
}

// Entry is one row of a sweep report. OOM is set when the case did not fit
// the engine's memory budgets.
type Entry struct {
	Op     string      `json:"op"`
	Decode *DecodeCase `json:"decode,omitempty"`
	Lora   *LoraCase   `json:"lora,omitempty"`
	Result *Result     `json:"result,omitempty"`
	OOM    bool        `json:"oom,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Fields returns the case labels followed by the result column.
func (e Entry) Fields() []string {
	var out []string
	switch {
	case e.Decode != nil:
		out = e.Decode.Fields()
	case e.Lora != nil:
		out = e.Lora.Fields()
	}
	switch {
	case e.OOM:
		out = append(out, "OOM")
	case e.Error != "":
		out = append(out, "error: "+e.Error)
	case e.Result != nil:
		out = append(out, e.Result.String())
	}
	return out
}

type prepared struct {
	entry Entry
	run   func(context.Context) error
}

// Sweep times every case in order. Inputs for the next case are allocated
// while the current one is being timed, so at most two cases are resident.
func Sweep(ctx context.Context, e *engine.Engine, decode []DecodeCase, lora []LoraCase, opts Options) ([]Entry, error) {
	g, ctx := errgroup.WithContext(ctx)
	ready := make(chan prepared, 1)

	g.Go(func() error {
		defer close(ready)
		send := func(p prepared) error {
			select {
			case ready <- p:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, c := range decode {
			p := prepared{entry: Entry{Op: "rotary_mha_decode", Decode: &c}}
			res, err := NewDecodeResources(e, c, opts.PageSize)
			if err != nil {
				p.entry.setError(err)
			} else {
				p.run = func(ctx context.Context) error { return res.Run(ctx, e) }
			}
			if err := send(p); err != nil {
				return err
			}
		}
		for _, c := range lora {
			p := prepared{entry: Entry{Op: "add_lora", Lora: &c}}
			res, err := NewLoraResources(e, c)
			if err != nil {
				p.entry.setError(err)
			} else {
				p.run = func(ctx context.Context) error { return res.Run(ctx, e) }
			}
			if err := send(p); err != nil {
				return err
			}
		}
		return nil
	})

	var entries []Entry
	g.Go(func() error {
		for p := range ready {
			if p.run != nil {
				r, err := Run(ctx, p.run, opts.Warmup, opts.Iters)
				switch {
				case err == nil:
					p.entry.Result = &r
				case ctx.Err() != nil:
					return ctx.Err()
				default:
					p.entry.setError(err)
				}
			}
			entries = append(entries, p.entry)
			if opts.Progress != nil {
				opts.Progress()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return entries, err
	}
	return entries, nil
}

func (e *Entry) setError(err error) {
	if errors.Is(err, engine.ErrResourceExhausted) {
		e.OOM = true
		return
	}
	e.Error = err.Error()
}
