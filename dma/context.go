package dma

// ContextScope is the scoped acquisition of a GPU's driver context,
// guaranteed to release on every exit path including error. Nesting on the
// same GPU is idempotent: only the outermost EnterContext call actually
// pushes the driver context; only the matching Close pops it.
//
// Grounded on the teacher's engineRunning/engineRunningMutex reentrancy
// guard in Driver.runAsync/runEngine (driver.go), generalized from a
// single shared flag to a per-GPU depth counter.
type ContextScope struct {
	gpu *GPU
	drv DriverCalls
	did bool
}

// EnterContext pushes gpu's driver context if this is the outermost
// acquisition for gpu, per spec.md §4.2 and §9 ("model as an ownership
// guard: construction pushes, destruction pops, on every exit path").
func EnterContext(gpu *GPU, drv DriverCalls) (*ContextScope, error) {
	depth := gpu.contextDepth.Add(1)
	if depth == 1 {
		if err := drv.ContextPush(gpu); err != nil {
			gpu.contextDepth.Add(-1)
			return nil, err
		}
	}
	return &ContextScope{gpu: gpu, drv: drv, did: true}, nil
}

// Close releases the scope, popping gpu's driver context once the
// outermost acquisition unwinds. Safe to call multiple times; only the
// first call has any effect.
func (s *ContextScope) Close() error {
	if s == nil || !s.did {
		return nil
	}
	s.did = false
	depth := s.gpu.contextDepth.Add(-1)
	if depth == 0 {
		return s.drv.ContextPop(s.gpu)
	}
	return nil
}
