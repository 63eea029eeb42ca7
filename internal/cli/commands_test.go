package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/testutil"
)

const manifestTemplate = `
manifest: {
	version: %d
	modules: writer: {
		kind: "workflow"
		effects: ["llm.generate"]
		caps: {llm: "llm_basic"}
		key: {type: "string"}
	}
	routing: [{event: "demo/Start@1", module: "writer", key_field: "id"}]
	effects: "llm.generate": {
		cap_type: "llm"
		adapter:  "llm"
		params: fields: prompt: {type: "string", required: true}
		receipt: fields: text: {type: "string", required: true}
	}
	grants: llm_basic: cap_type: "llm"
	adapters: llm: public_key: "%s"
	policy: [{name: "allow-all", decision: "allow"}]
	events: "demo/Start@1": fields: {
		id:     {type: "string", required: true}
		prompt: {type: "string", required: true}
	}
}
`

func writeManifest(t *testing.T, version int) string {
	t.Helper()
	dir := t.TempDir()
	src := fmt.Sprintf(manifestTemplate, version, testutil.PublicKeyBase64("llm"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "world.cue"), []byte(src), 0o644))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// ask requests a completion on Start and completes on the receipt.
func ask(_ context.Context, in module.Input) (module.Output, error) {
	switch in.Event.Schema {
	case "demo/Start@1":
		var ev struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(in.Event.Value, &ev); err != nil {
			return module.Output{}, err
		}
		params, _ := json.Marshal(map[string]string{"prompt": ev.Prompt})
		return module.Output{
			State:   []byte(`{"asked":true}`),
			Effects: []effects.Request{{Kind: "llm.generate", CapName: "llm", Params: params}},
		}, nil
	case ir.SchemaEffectReceipt:
		return module.Output{State: []byte(`{"answered":true}`), Status: module.StatusCompleted}, nil
	}
	return module.Output{}, fmt.Errorf("unexpected event %s", in.Event.Schema)
}

// seedWorld initializes db with the manifest in dir and starts one
// conversation, leaving its intent pending. It returns the intent hash.
func seedWorld(t *testing.T, db, dir string) string {
	t.Helper()
	ctx := context.Background()
	m, err := manifest.LoadDir(dir)
	require.NoError(t, err)

	j, err := journal.Open(db)
	require.NoError(t, err)
	defer j.Close()

	reg := module.NewRegistry()
	reg.BindName("writer", module.Func(ask))
	w, err := kernel.Open(ctx, j, reg,
		kernel.WithGenesis(m),
		kernel.WithClock(testutil.NewLogicalTime(1000)),
		kernel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = w.Submit(ctx, kernel.EventInput("demo/Start@1", json.RawMessage(`{"id":"A","prompt":"hi"}`)))
	require.NoError(t, err)
	pending := w.PendingIntents()
	require.Len(t, pending, 1)
	return pending[0].IntentHash
}

// settle opens db again and delivers an ok receipt for hash.
func settle(t *testing.T, db, hash string) {
	t.Helper()
	ctx := context.Background()
	j, err := journal.Open(db)
	require.NoError(t, err)
	defer j.Close()

	reg := module.NewRegistry()
	reg.BindName("writer", module.Func(ask))
	w, err := kernel.Open(ctx, j, reg, kernel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	r := testutil.SignReceipt("llm", ir.Receipt{
		IntentHash: hash,
		Status:     ir.ReceiptOK,
		Payload:    []byte(`{"text":"hello"}`),
	})
	res, err := w.Submit(ctx, kernel.ReceiptInput(r))
	require.NoError(t, err)
	require.False(t, res.Dropped)
}

func TestValidateCommand(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := execute(t, "validate", writeManifest(t, 1))
		require.NoError(t, err)
		assert.Contains(t, out, "Manifest valid")
		assert.Contains(t, out, "modules: 1")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "--format", "json", "validate", writeManifest(t, 1))
		require.NoError(t, err)

		var resp struct {
			Status string           `json:"status"`
			Data   ValidationResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.True(t, resp.Data.Valid)
		assert.Len(t, resp.Data.ManifestHash, 64)
	})

	t.Run("invalid", func(t *testing.T) {
		dir := t.TempDir()
		src := `manifest: {version: 1, routing: [{event: "e", module: "nope"}]}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(src), 0o644))

		out, err := execute(t, "validate", dir)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "Validation failed")
		assert.Contains(t, out, manifest.ErrUnknownModule)
	})

	t.Run("missing dir", func(t *testing.T) {
		_, err := execute(t, "validate", filepath.Join(t.TempDir(), "absent"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestInitCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "world.db")
	dir := writeManifest(t, 1)

	out, err := execute(t, "init", "--db", db, "--manifest", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized world")

	out, err = execute(t, "--format", "json", "journal", "--db", db)
	require.NoError(t, err)
	var resp struct {
		Data []JournalEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, ir.RecordManifestSwap, resp.Data[0].Kind)

	_, err = execute(t, "init", "--db", db, "--manifest", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "already holds 1 record")
}

func TestInitRequiresManifest(t *testing.T) {
	_, err := execute(t, "init", "--db", filepath.Join(t.TempDir(), "w.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestMissingJournal(t *testing.T) {
	db := filepath.Join(t.TempDir(), "absent.db")
	for _, name := range []string{"journal", "inspect", "replay", "snapshot"} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, name, "--db", db)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.NoFileExists(t, db)
		})
	}
}

func TestJournalCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "world.db")
	seedWorld(t, db, writeManifest(t, 1))

	out, err := execute(t, "journal", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, ir.RecordManifestSwap)
	assert.Contains(t, out, ir.RecordEffectIntent)

	out, err = execute(t, "--format", "json", "journal", "--db", db, "--kind", ir.RecordEffectIntent)
	require.NoError(t, err)
	var resp struct {
		Data []JournalEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, ir.RecordEffectIntent, resp.Data[0].Kind)

	out, err = execute(t, "--format", "json", "journal", "--db", db, "--from", "2", "--limit", "1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(2), resp.Data[0].Seq)

	_, err = execute(t, "journal", "--db", db, "--kind", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInspectCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "world.db")
	hash := seedWorld(t, db, writeManifest(t, 1))

	out, err := execute(t, "inspect", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, `writer["A"]`)
	assert.Contains(t, out, "waiting")
	assert.Contains(t, out, "Pending intents (1)")

	out, err = execute(t, "--format", "json", "inspect", "--db", db)
	require.NoError(t, err)
	var resp struct {
		Data InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Data.ManifestVersion)
	require.Len(t, resp.Data.Pending, 1)
	assert.Equal(t, hash, resp.Data.Pending[0].IntentHash)
	assert.Equal(t, int64(1), resp.Data.Records[ir.RecordEffectIntent])
}

func TestReplayCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "world.db")
	hash := seedWorld(t, db, writeManifest(t, 1))

	out, err := execute(t, "replay", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay consistent")

	_, err = execute(t, "snapshot", "--db", db)
	require.NoError(t, err)
	settle(t, db, hash)

	out, err = execute(t, "--format", "json", "replay", "--db", db)
	require.NoError(t, err)
	var resp struct {
		Data ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Consistent)
	assert.Positive(t, resp.Data.SnapshotSeq)
	assert.Equal(t, resp.Data.FullHash, resp.Data.SnapshotHash)
}

func TestSnapshotCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "world.db")
	seedWorld(t, db, writeManifest(t, 1))

	out, err := execute(t, "--format", "json", "snapshot", "--db", db)
	require.NoError(t, err)
	var resp struct {
		Data SnapshotResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Instances)
	assert.Equal(t, 1, resp.Data.Pending)

	j, err := journal.Open(db)
	require.NoError(t, err)
	defer j.Close()
	snap, err := j.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, resp.Data.Seq, snap.Seq)
}

func TestApplyCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "world.db")
	hash := seedWorld(t, db, writeManifest(t, 1))
	next := writeManifest(t, 2)

	out, err := execute(t, "apply", "--db", db, "--manifest", next)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeQuiescence)
	assert.Contains(t, out, `writer["A"]`)

	settle(t, db, hash)

	out, err = execute(t, "--format", "json", "apply", "--db", db, "--manifest", next)
	require.NoError(t, err)
	var resp struct {
		Data ApplyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(2), resp.Data.Version)

	out, err = execute(t, "replay", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay consistent")
}
