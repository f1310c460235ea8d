package unit

import "context"

// Func adapts a function into a Unit, for embedding the host as a library
// and for tests.
type Func struct {
	ID       string
	Repeat   bool
	Interval int
	Fn       func(ctx context.Context) error
}

func (f *Func) Name() string     { return f.ID }
func (f *Func) Repeatable() bool { return f.Repeat }
func (f *Func) Timeout() int     { return f.Interval }

func (f *Func) Run(ctx context.Context) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx)
}
