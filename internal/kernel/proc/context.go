package proc

import (
	"github.com/deploymenttheory/go-riscvos/internal/machine"
)

// context parks one kernel thread. A thread may execute only while
// it holds a hart; handing the hart to another context suspends the
// caller and resumes the target in one step, so at most one thread
// per hart is ever running.
type context struct {
	resume chan *machine.Hart
}

func newContext() context {
	return context{resume: make(chan *machine.Hart, 1)}
}

// swtch hands h to the thread parked on to, then parks the caller on
// from until some thread hands a hart back. A nil hart received on
// from means the thread was freed before it ever ran.
func swtch(from, to *context, h *machine.Hart) *machine.Hart {
	to.resume <- h
	return <-from.resume
}
