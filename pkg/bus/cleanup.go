package bus

import (
	"io"

	"github.com/dd0wney/cluso-arbiter/pkg/logging"
)

// closeStack closes sockets in reverse order of registration. It unwinds a
// partially constructed bus when a later step fails.
type closeStack struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

func newCloseStack(logger logging.Logger) *closeStack {
	return &closeStack{resources: make([]namedCloser, 0, 2), logger: logger}
}

func (cs *closeStack) add(closer io.Closer, name string) {
	cs.resources = append(cs.resources, namedCloser{closer: closer, name: name})
}

// closeAll closes everything registered and returns the first error.
// Safe to call more than once.
func (cs *closeStack) closeAll() error {
	var firstErr error
	for i := len(cs.resources) - 1; i >= 0; i-- {
		r := cs.resources[i]
		if err := r.closer.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			cs.logger.Warn("failed to close socket", logging.String("socket", r.name), logging.Error(err))
		}
	}
	cs.resources = cs.resources[:0]
	return firstErr
}

