// Package transport spawns the child processes that connect the controller
// to remote agents. Each spawn yields one duplex stream descriptor wired to
// the child's standard input and output.
package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// DefaultShell is the remote shell used when none is configured.
const DefaultShell = "ssh"

// ErrSpawn is returned when a transport process cannot be started.
var ErrSpawn = errors.New("spawn transport process")

// Settings are the resolved transport settings for one remote. Empty
// strings and a zero port mean "not set".
type Settings struct {
	Shell         string
	Port          int
	BindAddress   string
	IdentityFile  string
	Username      string
	RemoteCommand string
}

// Merge returns s with every unset field taken from defaults.
func (s Settings) Merge(defaults Settings) Settings {
	if s.Shell == "" {
		s.Shell = defaults.Shell
	}
	if s.Port == 0 {
		s.Port = defaults.Port
	}
	if s.BindAddress == "" {
		s.BindAddress = defaults.BindAddress
	}
	if s.IdentityFile == "" {
		s.IdentityFile = defaults.IdentityFile
	}
	if s.Username == "" {
		s.Username = defaults.Username
	}
	if s.RemoteCommand == "" {
		s.RemoteCommand = defaults.RemoteCommand
	}
	return s
}

// Process is a running transport child.
type Process interface {
	// Pid returns the operating system process ID.
	Pid() int

	// Kill forcibly terminates the process and waits for it to exit.
	Kill() error
}

// Conn is the controller's end of a freshly spawned transport.
type Conn struct {
	// FD is a close-on-exec stream socket connected to the child's stdio.
	FD int

	// Process is the child to kill on teardown.
	Process Process
}

// Spawner starts transport processes.
type Spawner interface {
	Spawn(hostname string, s Settings) (*Conn, error)
}

// ShellSpawner runs a remote shell (ssh or compatible) with the peer
// agent as its remote command.
type ShellSpawner struct {
	// ProgName is the remote command used when Settings.RemoteCommand is
	// empty. Usually the controller's own program name.
	ProgName string

	// Stderr receives the child's standard error. Nil means os.Stderr.
	Stderr *os.File
}

// NewShellSpawner creates a spawner whose default remote command is
// progName.
func NewShellSpawner(progName string) *ShellSpawner {
	return &ShellSpawner{ProgName: progName}
}

// Argv builds the remote shell command line.
func (sp *ShellSpawner) Argv(hostname string, s Settings) []string {
	shell := s.Shell
	if shell == "" {
		shell = DefaultShell
	}

	argv := []string{
		shell,
		"-oBatchMode=yes",
		"-oServerAliveInterval=2",
		"-oServerAliveCountMax=3",
	}
	if s.Port != 0 {
		argv = append(argv, "-p", strconv.Itoa(s.Port))
	}
	if s.BindAddress != "" {
		argv = append(argv, "-b", s.BindAddress)
	}
	if s.IdentityFile != "" {
		argv = append(argv, "-oIdentitiesOnly=yes", "-i", s.IdentityFile)
	}
	if s.Username != "" {
		argv = append(argv, "-l", s.Username)
	}

	cmd := s.RemoteCommand
	if cmd == "" {
		cmd = sp.ProgName
	}
	return append(argv, hostname, cmd)
}

// Spawn starts the remote shell with its stdin and stdout on one end of a
// new socketpair and returns the other end.
func (sp *ShellSpawner) Spawn(hostname string, s Settings) (*Conn, error) {
	return sp.start(sp.Argv(hostname, s))
}

func (sp *ShellSpawner) start(argv []string) (*Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socketpair: %v", ErrSpawn, err)
	}

	child := os.NewFile(uintptr(fds[1]), "transport-child")
	defer child.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = child
	cmd.Stdout = child
	cmd.Stderr = os.Stderr
	if sp.Stderr != nil {
		cmd.Stderr = sp.Stderr
	}

	if err := cmd.Start(); err != nil {
		unix.Close(fds[0])
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}

	return &Conn{FD: fds[0], Process: &cmdProcess{cmd: cmd}}, nil
}

// cmdProcess adapts an exec.Cmd to Process.
type cmdProcess struct {
	cmd    *exec.Cmd
	reaped bool
}

func (p *cmdProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Kill sends SIGKILL and reaps the child.
func (p *cmdProcess) Kill() error {
	if p.reaped {
		return nil
	}
	p.reaped = true

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}

	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("wait pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}
