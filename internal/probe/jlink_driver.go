package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	pcfuzzexec "github.com/relaxwide/pcfuzz/internal/exec"
)

// JLinkDriver is a Driver implementation that shells out to JLinkExe's
// script-file mode. The probe transport itself (J-Link's DLL/pylink
// binding in the original tooling) is the out-of-scope external
// collaborator per §1; this wraps the CLI surface SEGGER ships instead,
// matching this codebase's idiom of driving external tools through
// internal/exec rather than cgo bindings.
type JLinkDriver struct {
	Exec       pcfuzzexec.Executor
	CLIPath    string // defaults to "JLinkExe"
	Device     string
	Interface  string // "JTAG" or "SWD"
	Speed      int    // kHz
	ScratchDir string
}

// NewJLinkDriver constructs a JLinkDriver.
func NewJLinkDriver(exec pcfuzzexec.Executor, device, iface string, speed int, scratchDir string) *JLinkDriver {
	return &JLinkDriver{
		Exec:       exec,
		CLIPath:    "JLinkExe",
		Device:     device,
		Interface:  iface,
		Speed:      speed,
		ScratchDir: scratchDir,
	}
}

func (d *JLinkDriver) cliPath() string {
	if d.CLIPath == "" {
		return "JLinkExe"
	}
	return d.CLIPath
}

// runScript writes cmds (one JLinkExe command per line, "exit" appended)
// to a scratch file and invokes the CLI against it, returning stdout.
func (d *JLinkDriver) runScript(ctx context.Context, cmds ...string) (string, error) {
	if err := os.MkdirAll(d.ScratchDir, 0755); err != nil {
		return "", fmt.Errorf("probe: jlink: failed to create scratch dir: %w", err)
	}
	script := filepath.Join(d.ScratchDir, "jlink_cmds.jlink")
	body := strings.Join(cmds, "\n") + "\nexit\n"
	if err := os.WriteFile(script, []byte(body), 0644); err != nil {
		return "", fmt.Errorf("probe: jlink: failed to write script: %w", err)
	}
	defer os.Remove(script)

	args := []string{
		"-device", d.Device,
		"-if", d.Interface,
		"-speed", strconv.Itoa(d.Speed),
		"-autoconnect", "1",
		"-CommandFile", script,
	}
	result, err := d.Exec.Run(ctx, d.cliPath(), args...)
	if err != nil {
		return "", fmt.Errorf("probe: jlink: failed to run %s: %w", d.cliPath(), err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("probe: jlink: %s exited %d: %s", d.cliPath(), result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

func (d *JLinkDriver) Halt(ctx context.Context) error {
	_, err := d.runScript(ctx, "halt")
	return err
}

func (d *JLinkDriver) Resume(ctx context.Context) error {
	_, err := d.runScript(ctx, "go")
	return err
}

var regPattern = regexp.MustCompile(`(?m)^\s*(R\d+|PC)\s*=\s*([0-9A-Fa-f]+)`)

var r15Pattern = regexp.MustCompile(`(?m)^\s*R15\b[^=\n]*=\s*([0-9A-Fa-f]+)`)

// Registers parses JLinkExe's "regs" output into named register values.
func (d *JLinkDriver) Registers(ctx context.Context) ([]RegisterInfo, error) {
	out, err := d.runScript(ctx, "regs")
	if err != nil {
		return nil, err
	}
	var regs []RegisterInfo
	for i, m := range regPattern.FindAllStringSubmatch(out, -1) {
		regs = append(regs, RegisterInfo{Index: i, Name: m[1]})
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("probe: jlink: no registers found in regs output")
	}
	return regs, nil
}

// ReadPC reads R15 directly via JLinkExe's "r15" command, falling back to
// parsing the full "regs" dump if the single-register form isn't
// recognized by the connected target's command set.
func (d *JLinkDriver) ReadPC(ctx context.Context) (uint32, error) {
	out, err := d.runScript(ctx, "r15")
	if err == nil {
		if m := r15Pattern.FindStringSubmatch(out); m != nil {
			if v, ok := parseHexValue(m[1]); ok {
				return v, nil
			}
		}
	}
	out, err = d.runScript(ctx, "regs")
	if err != nil {
		return 0, err
	}
	for _, m := range regPattern.FindAllStringSubmatch(out, -1) {
		if m[1] != "PC" && m[1] != "R15" {
			continue
		}
		v, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("probe: jlink: failed to parse PC value %q: %w", m[2], err)
		}
		return uint32(v), nil
	}
	return 0, fmt.Errorf("probe: jlink: PC not found in regs output")
}

var memWordPattern = regexp.MustCompile(`([0-9A-Fa-f]{8})`)

// ReadMemory32 reads n 32-bit words starting at addr via JLinkExe's "mem32"
// command.
func (d *JLinkDriver) ReadMemory32(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	cmd := fmt.Sprintf("mem32 0x%x, 0x%x", addr, n)
	out, err := d.runScript(ctx, cmd)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, 0, n)
	for _, line := range strings.Split(out, "\n") {
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		for _, m := range memWordPattern.FindAllString(line[eq+1:], -1) {
			v, err := strconv.ParseUint(m, 16, 32)
			if err != nil || len(words) == n {
				continue
			}
			words = append(words, uint32(v))
		}
	}
	if len(words) < n {
		return nil, fmt.Errorf("probe: jlink: expected %d words, parsed %d", n, len(words))
	}
	return words, nil
}

func (d *JLinkDriver) Close() error {
	return nil
}

func parseHexValue(out string) (uint32, bool) {
	m := regexp.MustCompile(`([0-9A-Fa-f]{4,8})`).FindString(strings.TrimSpace(out))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(m, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
