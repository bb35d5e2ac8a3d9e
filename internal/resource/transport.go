package resource

import (
	"io"
	"os/exec"

	"github.com/punchlab/punchline/pkg/schema"
)

// Transport is a bidirectional newline-framed channel to the resource service.
// Writes carry one request per line; the read side yields one response per line.
type Transport interface {
	io.Writer
	Reader() io.Reader
	Close() error
}

// TransportFactory creates a transport for the given sandbox root.
// The default factory spawns the configured child process; tests substitute
// an in-memory pipe pair.
type TransportFactory func(root string) (Transport, error)

// procTransport runs the resource service as a supervised child process,
// wired up over its stdin/stdout pair.
type procTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// SpawnProcess returns a TransportFactory that execs the given command,
// appending "--root <root>" so the child sandboxes all paths under it.
func SpawnProcess(command []string) TransportFactory {
	return func(root string) (Transport, error) {
		if len(command) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "resource service command not configured")
		}
		args := append(append([]string{}, command[1:]...), "--root", root)
		cmd := exec.Command(command[0], args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "stdin pipe: %s", err.Error()).WithCause(err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "stdout pipe: %s", err.Error()).WithCause(err)
		}
		if err := cmd.Start(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "start resource service: %s", err.Error()).WithCause(err)
		}

		return &procTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}

func (t *procTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

func (t *procTransport) Reader() io.Reader {
	return t.stdout
}

// Close kills the child and reaps it. Safe to call on an already-dead process.
func (t *procTransport) Close() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
	return nil
}
