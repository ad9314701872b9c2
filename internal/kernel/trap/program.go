package trap

import (
	"path"
	"sync"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/proc"
)

// Step is one stretch of user-mode execution between kernel
// crossings. A step runs on the process's kernel thread and talks to
// the kernel only through its Env.
type Step func(*Env)

// Program is a user program: an ordered list of steps. A process
// resumes after fork at the step following the one that forked, so a
// program that branches on fork's return reads Retval in its next
// step.
type Program struct {
	Name  string
	Steps []Step
}

// Scripted is the user-mode half of one process: a program plus its
// position. Exec replaces it wholesale; fork copies it.
type Scripted struct {
	prog *Program
	pc   int
}

// NewScripted starts prog from its first step.
func NewScripted(prog *Program) *Scripted {
	return &Scripted{prog: prog}
}

// Clone implements proc.UserHalf.
func (s *Scripted) Clone() proc.UserHalf {
	cp := *s
	return &cp
}

// Name returns the program name.
func (s *Scripted) Name() string {
	return s.prog.Name
}

// Registry maps executable paths to programs. Exec resolves the path
// against the file system for the image and against the registry for
// the program to run.
type Registry struct {
	mu    sync.Mutex
	progs map[string]*Program
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{progs: make(map[string]*Program)}
}

// Register binds p to an executable path.
func (r *Registry) Register(pathname string, p *Program) {
	r.mu.Lock()
	r.progs[pathname] = p
	r.mu.Unlock()
}

// Lookup finds the program for pathname, falling back to its final
// element so relative and absolute spellings resolve alike.
func (r *Registry) Lookup(pathname string) (*Program, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.progs[pathname]; ok {
		return p, true
	}
	p, ok := r.progs[path.Base(pathname)]
	return p, ok
}
