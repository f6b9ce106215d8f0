package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/ipc"
	"github.com/igjeong/hyper-pf/pf"
)

// execute runs the command line args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// startDaemon serves an engine loaded with the replay rules and one UDP
// state, and returns the control address.
func startDaemon(t *testing.T) (*pf.Engine, string) {
	t.Helper()
	engine := pf.NewEngine(pf.WithLogger(discardLogger()), pf.WithHostID(0x2a))
	require.NoError(t, applyConfig(engine, mustConfig(t, replayConfig)))

	_, res := engine.TestRaw(pf.DirOut, "em1", udpFrame(t, "10.0.0.5", "198.51.100.7", 1234, 53)[14:])
	require.Equal(t, pf.VerdictPass, res.Verdict)

	server := ipc.NewServer("127.0.0.1:0", engine, ipc.WithLogger(discardLogger()))
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return engine, server.Addr()
}

func TestStatusCommand(t *testing.T) {
	engine, addr := startDaemon(t)

	out, err := execute(t, "status", "--ipc", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "Host ID:          0000002a")
	assert.Contains(t, out, "Ruleset:          "+engine.Ruleset().Ticket)
	assert.Contains(t, out, "States:           1")
	assert.Contains(t, out, "State lock:       false")
}

func TestStatesCommand(t *testing.T) {
	_, addr := startDaemon(t)

	out, err := execute(t, "states", "--ipc", addr, "-l")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.5:1234 -> 192.0.2.1:")
	assert.Contains(t, out, "198.51.100.7:53")
	assert.Contains(t, out, "creatorid: 0000002a")
}

func TestRulesCommand(t *testing.T) {
	_, addr := startDaemon(t)

	out, err := execute(t, "rules", "--ipc", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "@0 nat out on em1 from 10.0.0.0/8 to any -> 192.0.2.1")
	assert.Contains(t, out, "@0 pass all keep state")
	assert.Contains(t, out, "States: 1")
}

func TestKillCommand(t *testing.T) {
	engine, addr := startDaemon(t)

	out, err := execute(t, "kill", "--ipc", addr, "192.168.0.0/16")
	require.NoError(t, err)
	assert.Contains(t, out, "killed 0 states")

	out, err = execute(t, "kill", "--ipc", addr, "10.0.0.5", "any")
	require.NoError(t, err)
	assert.Contains(t, out, "killed 1 states")
	assert.Empty(t, engine.States())

	_, err = execute(t, "kill", "--ipc", addr, "not-an-address")
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestFlushCommand(t *testing.T) {
	_, addr := startDaemon(t)

	out, err := execute(t, "flush-srcnodes", "--ipc", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "0 source nodes flushed")

	out, err = execute(t, "srcnodes", "--ipc", addr)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCommandsWithoutDaemon(t *testing.T) {
	server := ipc.NewServer("127.0.0.1:0", nil, ipc.WithLogger(discardLogger()))
	require.NoError(t, server.Start())
	addr := server.Addr()
	server.Stop()

	_, err := execute(t, "status", "--ipc", addr)
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	assert.Contains(t, err.Error(), "hyper-pf run")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42e9))
	assert.Equal(t, "2m 5s", formatDuration(125e9))
	assert.Equal(t, "1h 0m 1s", formatDuration(3601e9))
	assert.Equal(t, "1h 1m", formatSeconds(3660))
}
