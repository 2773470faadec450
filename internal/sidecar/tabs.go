package sidecar

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/pkg/protocol"
)

const (
	defaultTabCols = 80
	defaultTabRows = 24

	// tabKillGrace is how long a closed tab's process gets to exit after
	// its PTY is closed before it is killed.
	tabKillGrace = 5 * time.Second
)

// TabCallbacks deliver tab events back to the hub connection.
type TabCallbacks struct {
	Output func(tabID, data string)
	Ended  func(tabID string, exitCode int)
}

// Tab is one PTY-backed terminal. The vt10x terminal mirrors everything
// written to the PTY so buffer requests can replay the rendered screen.
type Tab struct {
	ID     string
	Window int

	cmd *exec.Cmd
	pty *os.File

	mu         sync.Mutex
	term       vt10x.Terminal
	cols, rows int

	done chan struct{}
}

// TabManager owns the workspace's terminal tabs. Window numbers are assigned
// sequentially per agent process, mirroring how a tmux-backed agent numbers
// its windows.
type TabManager struct {
	logger    *logger.Logger
	workDir   string
	shell     string
	env       func() []string
	callbacks TabCallbacks

	mu         sync.Mutex
	tabs       map[string]*Tab
	nextWindow int
}

// NewTabManager creates a tab manager. Shell overrides the detected shell
// when non-empty; env supplies the environment for new tab processes and
// defaults to the agent's own environment.
func NewTabManager(workDir, shell string, env func() []string, cb TabCallbacks, log *logger.Logger) *TabManager {
	if env == nil {
		env = func() []string { return baseTabEnv(workDir) }
	}
	return &TabManager{
		logger:    log.WithFields(zap.String("component", "tabs")),
		workDir:   workDir,
		shell:     shell,
		env:       env,
		callbacks: cb,
		tabs:      make(map[string]*Tab),
	}
}

// detectShell returns the tab shell: $SHELL when set, then the first of the
// common shells that exists.
func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "/bin/sh"
}

// baseTabEnv builds the default environment for tab processes.
func baseTabEnv(workDir string) []string {
	env := os.Environ()
	env = append(env, "PWD="+workDir)
	env = append(env, "TERM=xterm-256color")
	return env
}

// Create starts a new tab. An empty command opens an interactive login
// shell; otherwise the command runs under `shell -c`. Returns the assigned
// window number.
func (m *TabManager) Create(tabID, command string) (int, error) {
	m.mu.Lock()
	if _, exists := m.tabs[tabID]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("tab already exists: %s", tabID)
	}

	shell := m.shell
	if shell == "" {
		shell = detectShell()
	}

	var cmd *exec.Cmd
	if command == "" {
		cmd = exec.Command(shell, "-l")
	} else {
		cmd = exec.Command(shell, "-c", command)
	}
	cmd.Dir = m.workDir
	cmd.Env = m.env()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultTabCols, Rows: defaultTabRows})
	if err != nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("failed to start PTY: %w", err)
	}

	window := m.nextWindow
	m.nextWindow++

	tab := &Tab{
		ID:     tabID,
		Window: window,
		cmd:    cmd,
		pty:    ptmx,
		term:   vt10x.New(vt10x.WithSize(defaultTabCols, defaultTabRows)),
		cols:   defaultTabCols,
		rows:   defaultTabRows,
		done:   make(chan struct{}),
	}
	m.tabs[tabID] = tab
	m.mu.Unlock()

	m.logger.Info("tab started",
		zap.String("tab_id", tabID),
		zap.Int("window", window),
		zap.String("shell", shell),
		zap.Int("pid", cmd.Process.Pid))

	go m.readOutput(tab)
	go m.waitExit(tab)

	return window, nil
}

func (m *TabManager) lookup(tabID string) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("tab does not exist: %s", tabID)
	}
	return tab, nil
}

// Input writes keystrokes to a tab's PTY.
func (m *TabManager) Input(tabID, data string) error {
	tab, err := m.lookup(tabID)
	if err != nil {
		return err
	}
	_, err = tab.pty.Write([]byte(data))
	return err
}

// Resize applies a new terminal size to the PTY and the mirrored screen.
func (m *TabManager) Resize(tabID string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	tab, err := m.lookup(tabID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(tab.pty, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	tab.mu.Lock()
	tab.term.Resize(int(cols), int(rows))
	tab.cols, tab.rows = int(cols), int(rows)
	tab.mu.Unlock()
	return nil
}

// Close terminates a tab. Closing the PTY sends SIGHUP; processes that
// ignore it are killed after a grace period. The exit flows through the
// normal ended callback.
func (m *TabManager) Close(tabID string) error {
	tab, err := m.lookup(tabID)
	if err != nil {
		return err
	}
	_ = tab.pty.Close()

	go func() {
		select {
		case <-tab.done:
		case <-time.After(tabKillGrace):
			m.logger.Warn("tab ignored SIGHUP, killing", zap.String("tab_id", tab.ID))
			if tab.cmd.Process != nil {
				_ = tab.cmd.Process.Kill()
			}
		}
	}()
	return nil
}

// BufferLines renders the tab's screen and returns up to n trailing
// non-blank lines. The replay window is bounded by the virtual screen
// height, so n is an upper bound.
func (m *TabManager) BufferLines(tabID string, n int) ([]string, error) {
	tab, err := m.lookup(tabID)
	if err != nil {
		return nil, err
	}

	tab.mu.Lock()
	lines := make([]string, 0, tab.rows)
	for row := 0; row < tab.rows; row++ {
		var b strings.Builder
		for col := 0; col < tab.cols; col++ {
			ch := tab.term.Cell(col, row).Char
			if ch == 0 {
				ch = ' '
			}
			b.WriteRune(ch)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	tab.mu.Unlock()

	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Snapshot reports every live tab for heartbeats and state reports, ordered
// by window number.
func (m *TabManager) Snapshot() []protocol.TabInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]protocol.TabInfo, 0, len(m.tabs))
	for _, tab := range m.tabs {
		infos = append(infos, protocol.TabInfo{
			TabID:      tab.ID,
			TmuxWindow: tab.Window,
			Status:     protocol.TabStatusRunning,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TmuxWindow < infos[j].TmuxWindow })
	return infos
}

// StopAll closes every tab and waits briefly for the processes to exit.
// Used during agent shutdown.
func (m *TabManager) StopAll() {
	m.mu.Lock()
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		tabs = append(tabs, tab)
	}
	m.mu.Unlock()

	for _, tab := range tabs {
		_ = tab.pty.Close()
	}

	deadline := time.After(tabKillGrace)
	for _, tab := range tabs {
		select {
		case <-tab.done:
		case <-deadline:
			if tab.cmd.Process != nil {
				_ = tab.cmd.Process.Kill()
			}
		}
	}
}

// readOutput pumps PTY output into the vt10x mirror and the output callback
// until the process exits.
func (m *TabManager) readOutput(tab *Tab) {
	buf := make([]byte, 4096)
	for {
		n, err := tab.pty.Read(buf)
		if n > 0 {
			tab.mu.Lock()
			_, _ = tab.term.Write(buf[:n])
			tab.mu.Unlock()
			if m.callbacks.Output != nil {
				m.callbacks.Output(tab.ID, string(buf[:n]))
			}
		}
		if err != nil {
			// EIO is the normal end-of-stream for a PTY whose child exited.
			return
		}
	}
}

// waitExit reaps the tab process, releases its PTY, and reports the exit.
func (m *TabManager) waitExit(tab *Tab) {
	_ = tab.cmd.Wait()
	code := exitCodeFromState(tab.cmd.ProcessState)

	_ = tab.pty.Close()
	close(tab.done)

	m.mu.Lock()
	delete(m.tabs, tab.ID)
	m.mu.Unlock()

	m.logger.Info("tab ended",
		zap.String("tab_id", tab.ID),
		zap.Int("exit_code", code))

	if m.callbacks.Ended != nil {
		m.callbacks.Ended(tab.ID, code)
	}
}
