package library

import "context"

// ShellFunc runs a command against whatever shell backs an
// ExecutionContext (normally a relay.RemoteShell) and returns its stdout
// and stderr lines.
type ShellFunc func(ctx context.Context, cmd string) (stdout, stderr []string, err error)

// ExecutionContext bundles everything a transform's protocol command needs
// to run: its resolved inputs and outputs, the definition and type
// libraries it was resolved against, and a shell to run commands in.
type ExecutionContext struct {
	Inputs              map[string]*DataInstance
	Outputs             map[string]*DataInstance
	TransformDefinition string
	TypeLibraries       []string

	shell ShellFunc
}

// NewExecutionContext constructs a context bound to shell.
func NewExecutionContext(inputs, outputs map[string]*DataInstance, definition string, typeLibraries []string, shell ShellFunc) *ExecutionContext {
	return &ExecutionContext{
		Inputs:              inputs,
		Outputs:             outputs,
		TransformDefinition: definition,
		TypeLibraries:       typeLibraries,
		shell:               shell,
	}
}

// Shell runs cmd in this context's bound shell.
func (c *ExecutionContext) Shell(ctx context.Context, cmd string) (stdout, stderr []string, err error) {
	if c.shell == nil {
		return nil, nil, errNoShell
	}
	return c.shell(ctx, cmd)
}

var errNoShell = shellNotSetError{}

type shellNotSetError struct{}

func (shellNotSetError) Error() string { return "library: execution context has no shell set" }

// ExecutionResult reports whether a transform's protocol succeeded.
type ExecutionResult struct {
	Success bool
	Message string
}
