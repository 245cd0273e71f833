package probe

import (
	"context"
	"strings"
	"testing"

	pcfuzzexec "github.com/relaxwide/pcfuzz/internal/exec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCLI struct {
	stdout   string
	exitCode int
	err      error
	lastArgs []string
}

func (f *fakeCLI) Run(ctx context.Context, command string, args ...string) (*pcfuzzexec.ExecutionResult, error) {
	f.lastArgs = args
	if f.err != nil {
		return nil, f.err
	}
	return &pcfuzzexec.ExecutionResult{Stdout: f.stdout, ExitCode: f.exitCode}, nil
}

func TestJLinkDriverReadPCFromR15(t *testing.T) {
	cli := &fakeCLI{stdout: "R15 (PC) = 0000ABCD\n"}
	d := NewJLinkDriver(cli, "STM32F4", "SWD", 4000, t.TempDir())

	pc, err := d.ReadPC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABCD), pc)
}

func TestJLinkDriverReadPCFallsBackToRegsDump(t *testing.T) {
	cli := &fakeCLI{stdout: "R0 = 00000001\nPC = 00001234\nR2 = 00000003\n"}
	d := NewJLinkDriver(cli, "STM32F4", "SWD", 4000, t.TempDir())

	pc, err := d.ReadPC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234), pc)
}

func TestJLinkDriverRegistersResolvesIndexes(t *testing.T) {
	cli := &fakeCLI{stdout: "R0 = 00000001\nR15 = 0000ABCD\n"}
	d := NewJLinkDriver(cli, "STM32F4", "SWD", 4000, t.TempDir())

	regs, err := d.Registers(context.Background())
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, "R0", regs[0].Name)
	assert.Equal(t, "R15", regs[1].Name)
}

func TestJLinkDriverReadMemory32ParsesWords(t *testing.T) {
	cli := &fakeCLI{stdout: "ADDR  0   1   2   3\n08000000 = DEADBEEF CAFEBABE 00000001 00000002\n"}
	d := NewJLinkDriver(cli, "STM32F4", "SWD", 4000, t.TempDir())

	words, err := d.ReadMemory32(context.Background(), 0x08000000, 2)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, uint32(0xDEADBEEF), words[0])
	assert.Equal(t, uint32(0xCAFEBABE), words[1])
}

func TestJLinkDriverNonZeroExitIsError(t *testing.T) {
	cli := &fakeCLI{stdout: "", exitCode: 1}
	d := NewJLinkDriver(cli, "STM32F4", "SWD", 4000, t.TempDir())

	_, err := d.ReadPC(context.Background())
	assert.Error(t, err)
}

func TestJLinkDriverHaltAndResumeIssueExpectedCommands(t *testing.T) {
	cli := &fakeCLI{}
	d := NewJLinkDriver(cli, "STM32F4", "SWD", 4000, t.TempDir())

	require.NoError(t, d.Halt(context.Background()))
	require.NoError(t, d.Resume(context.Background()))
}

func TestJLinkDriverScriptIncludesDeviceAndInterface(t *testing.T) {
	cli := &fakeCLI{}
	d := NewJLinkDriver(cli, "STM32F4", "SWD", 4000, t.TempDir())

	require.NoError(t, d.Halt(context.Background()))
	joined := strings.Join(cli.lastArgs, " ")
	assert.Contains(t, joined, "STM32F4")
	assert.Contains(t, joined, "SWD")
}
