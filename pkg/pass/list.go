package pass

import "fmt"

// List is an ordered, immutable set of pass instances. It is built once
// before compilation starts and then shared by every worker.
type List struct {
	passes []Pass
	names  []string
}

// NewList instantiates the named passes for target, in order.
func NewList(target Target, names []string) (*List, error) {
	l := &List{}
	for _, n := range names {
		f, ok := Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPass, n)
		}
		l.passes = append(l.passes, f(target))
		l.names = append(l.names, n)
	}
	return l, nil
}

func (l *List) Len() int { return len(l.passes) }

func (l *List) At(i int) Pass { return l.passes[i] }

// Names returns the list's pass names in run order.
func (l *List) Names() []string { return append([]string(nil), l.names...) }
