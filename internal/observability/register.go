package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// registrar registers collectors and keeps the first failure so a
// constructor can declare all of its metrics before checking errors once.
type registrar struct {
	reg prometheus.Registerer
	err error
}

// register adds c to r, or returns the collector already registered under the
// same descriptor when it has the same concrete type.
func register[T prometheus.Collector](r *registrar, c T) T {
	if r.err != nil {
		return c
	}
	err := r.reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
		r.err = fmt.Errorf("metric collector of type %T already registered with a different type", c)
		return c
	}
	r.err = err
	return c
}
