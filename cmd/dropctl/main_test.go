package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"merkledrop/crypto"
	"merkledrop/integrations/journal"
)

const (
	distributorHex = "0xd000000000000000000000000000000000000001"
	aliceHex       = "0xd00000000000000000000000000000000000000a"
	bobHex         = "0xd00000000000000000000000000000000000000b"
)

type harness struct {
	t      *testing.T
	dir    string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "merkledrop.toml")
	contents := fmt.Sprintf("DataDir = %q\nEnvironment = \"test\"\n\n[Logging]\nLevel = \"warn\"\n", filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(config, []byte(contents), 0o644))
	return &harness{t: t, dir: dir, config: config}
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

// run executes dropctl and returns its exit code and both output streams.
func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--config", h.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	code, stdout, stderr := h.run(args...)
	if code != 0 {
		h.t.Fatalf("dropctl %s exited %d: %s", strings.Join(args, " "), code, stderr)
	}
	return stdout
}

func (h *harness) writeAllocations(name string, lines ...string) string {
	h.t.Helper()
	path := h.path(name)
	body := "allocations:\n" + strings.Join(lines, "")
	require.NoError(h.t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func allocationLine(account string, balance int) string {
	return fmt.Sprintf("  - account: %q\n    balance: \"%d\"\n", account, balance)
}

func TestClaimLifecycle(t *testing.T) {
	h := newHarness(t)
	allocs := h.writeAllocations("round1.yaml", allocationLine(aliceHex, 9876), allocationLine(bobHex, 124))
	dist := h.path("round1.json")

	out := h.mustRun("build", "--allocations", allocs, "--out", dist, "--asset", "drop", "--distributor", distributorHex, "--round", "1")
	require.Contains(t, out, "total 10000 recipients 2")

	h.mustRun("mint", "--account", distributorHex, "--asset", "DROP", "--amount", "10000")
	out = h.mustRun("register", "--file", dist)
	require.Contains(t, out, "registered DROP round 1")

	out = h.mustRun("verify", "--file", dist, "--account", aliceHex)
	require.Equal(t, "valid=true claimed=false balance=9876\n", out)

	out = h.mustRun("claim", "--file", dist, "--account", aliceHex)
	require.Equal(t, "paid 9876 DROP (external)\n", out)

	out = h.mustRun("balance", "--account", aliceHex, "--asset", "DROP")
	require.Equal(t, "spendable 9876\ninternal 0\n", out)

	code, _, stderr := h.run("claim", "--file", dist, "--account", aliceHex)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "already claimed")

	out = h.mustRun("status", "--account", aliceHex, "--asset", "DROP", "--distributor", distributorHex, "--from", "1", "--to", "2")
	require.Equal(t, "1\ttrue\n2\tfalse\n", out)

	out = h.mustRun("roots", "--asset", "DROP", "--distributor", distributorHex, "--from", "1", "--to", "1")
	require.Contains(t, out, "remaining\t124\n")

	csvPath := h.path("journal.csv")
	out = h.mustRun("export", "--out", csvPath, "--type", "merkledrop.claim_settled")
	require.Contains(t, out, "exported 1 events")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "9876")
}

func TestClaimBatchAcrossRoundsInternal(t *testing.T) {
	h := newHarness(t)
	first := h.path("r1.json")
	second := h.path("r2.json")
	h.mustRun("build", "--allocations", h.writeAllocations("r1.yaml", allocationLine(aliceHex, 1000)),
		"--out", first, "--asset", "DROP", "--distributor", distributorHex, "--round", "1")
	h.mustRun("build", "--allocations", h.writeAllocations("r2.yaml", allocationLine(aliceHex, 1234)),
		"--out", second, "--asset", "DROP", "--distributor", distributorHex, "--round", "2")
	h.mustRun("mint", "--account", distributorHex, "--asset", "DROP", "--amount", "2234")
	h.mustRun("register", "--file", first)
	h.mustRun("register", "--file", second)

	out := h.mustRun("claim", "--file", first, "--file", second, "--account", aliceHex, "--delivery", "internal")
	require.Equal(t, "paid 2234 DROP (internal)\n", out)

	out = h.mustRun("balance", "--account", aliceHex, "--asset", "DROP")
	require.Equal(t, "spendable 0\ninternal 2234\n", out)

	h.mustRun("withdraw", "--account", aliceHex, "--asset", "DROP", "--amount", "2000")
	out = h.mustRun("balance", "--account", aliceHex, "--asset", "DROP")
	require.Equal(t, "spendable 2000\ninternal 234\n", out)

	code, _, _ := h.run("withdraw", "--account", aliceHex, "--asset", "DROP", "--amount", "235")
	require.Equal(t, 1, code)
}

func TestRegisterDuplicateRound(t *testing.T) {
	h := newHarness(t)
	dist := h.path("round.json")
	h.mustRun("build", "--allocations", h.writeAllocations("round.yaml", allocationLine(aliceHex, 50)),
		"--out", dist, "--asset", "DROP", "--distributor", distributorHex, "--round", "3")
	h.mustRun("mint", "--account", distributorHex, "--asset", "DROP", "--amount", "100")
	h.mustRun("register", "--file", dist)

	code, _, stderr := h.run("register", "--file", dist)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "round already registered")

	out := h.mustRun("balance", "--account", distributorHex, "--asset", "DROP")
	require.Equal(t, "spendable 50\ninternal 0\n", out)
}

func TestRunUsageErrors(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run()
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "Usage: dropctl")

	code, _, stderr = h.run("launch")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, `unknown command "launch"`)

	code, _, stderr = h.run("build", "--asset", "DROP")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error: --allocations, --out and --asset are required")

	code, _, stderr = h.run("claim", "--file", "x.json", "--account", aliceHex, "--delivery", "callback")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "callback delivery")
}

func TestEventsPublishedOnlyAfterStatePersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, err := openNode(ctx, h.config, io.Discard)
	require.NoError(t, err)
	defer n.Close()

	distributor, err := crypto.ParseAddress(distributorHex)
	require.NoError(t, err)
	require.NoError(t, n.state.AddBalance(distributor[:], "DROP", big.NewInt(10)))
	require.NoError(t, n.registry.RegisterRound(ctx, distributor, "DROP", 1, [32]byte{1}, big.NewInt(10)))

	entries, err := n.journal.Entries(ctx, journal.Filter{})
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, n.commit())
	entries, err = n.journal.Entries(ctx, journal.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Empty(t, n.outbox.Events)
}
