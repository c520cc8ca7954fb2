package dispatcher

import (
	"errors"

	"github.com/penguin-orz/datamax2/pkg/models"
)

// DefaultTransientCodes are the service error codes worth retrying on a
// fresh connection. Anything not listed is treated as permanent.
var DefaultTransientCodes = []string{"disposed", "bridge", "io", "busy"}

// Classifier decides whether a failed attempt is worth repeating.
type Classifier struct {
	transient map[string]bool
}

// NewClassifier builds a Classifier from a transient code list. A nil
// list selects the defaults.
func NewClassifier(codes []string) *Classifier {
	if codes == nil {
		codes = DefaultTransientCodes
	}
	c := &Classifier{transient: make(map[string]bool, len(codes))}
	for _, code := range codes {
		c.transient[code] = true
	}
	return c
}

// Transient reports whether err warrants a retry. Dropped connections
// always do; service errors only when their code is in the transient
// set.
func (c *Classifier) Transient(err error) bool {
	var e *models.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case models.ErrConnectionLost:
		return true
	case models.ErrRemote:
		return c.transient[e.Code]
	default:
		return false
	}
}
