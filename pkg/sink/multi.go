package sink

import (
	"context"

	"go.uber.org/multierr"
)

// Multi fans every value out to several sinks. Flush and Close visit all of
// them and combine their errors.
type Multi []Sink

func (m Multi) Add(v Value) {
	for _, s := range m {
		s.Add(v)
	}
}

func (m Multi) Flush(ctx context.Context) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Flush(ctx))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
