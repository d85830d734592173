// Package natsbus carries manager traffic over NATS: collectors submit
// values, remote workers register and receive tasks, operators query
// diagnostics.
package natsbus

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn the bus uses.
type Conn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

var _ Conn = (*nats.Conn)(nil)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "preproc"

// Subjects names the bus subjects below a prefix.
type Subjects struct {
	prefix string
}

func NewSubjects(prefix string) Subjects {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{prefix: prefix}
}

func (s Subjects) Register() string { return s.prefix + ".register" }
func (s Subjects) Values() string   { return s.prefix + ".values" }
func (s Subjects) Result() string   { return s.prefix + ".result" }
func (s Subjects) Queue() string    { return s.prefix + ".queue" }
func (s Subjects) Test() string     { return s.prefix + ".test" }
func (s Subjects) Diag() string     { return s.prefix + ".diag" }
func (s Subjects) Top() string      { return s.prefix + ".top" }

// WorkerTask is where a worker with the given instance id receives tasks.
func (s Subjects) WorkerTask(instance string) string {
	return s.prefix + ".worker." + instance + ".task"
}

// WorkerPing is where a worker answers liveness checks.
func (s Subjects) WorkerPing(instance string) string {
	return s.prefix + ".worker." + instance + ".ping"
}
