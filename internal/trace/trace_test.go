package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hive/pkg/models"
)

func TestCodec_ByteRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"canonical", `{"ordinal":1,"kind":"run.start","payload":{"goal":"x"}}` + "\n"},
		{"spacing and key order kept", `{ "kind": "agent.step", "payload": { "b": 1,  "a": [1, 2] }, "ordinal": 7 }` + "\n"},
		{"several lines", `{"ordinal":1,"kind":"a","payload":null}` + "\n" + `{"ordinal":2,"kind":"b","payload":"s"}` + "\n"},
		{"unicode escapes", `{"ordinal":3,"kind":"c","payload":{"t":"é\n"}}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Decode(strings.NewReader(tt.input))
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, records))
			assert.Equal(t, tt.input, buf.String())
		})
	}
}

func TestCodec_EncodeThenDecode(t *testing.T) {
	rec, err := NewRecord(KindTransition, map[string]any{"task_id": "t1", "to": "completed"})
	require.NoError(t, err)
	rec.Ordinal = 4

	var first bytes.Buffer
	require.NoError(t, Encode(&first, []Record{rec}))
	assert.Equal(t, `{"ordinal":4,"kind":"task.transition","payload":{"task_id":"t1","to":"completed"}}`+"\n", first.String())

	decoded, err := Decode(bytes.NewReader(first.Bytes()))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, int64(4), decoded[0].Ordinal)
	assert.Equal(t, KindTransition, decoded[0].Kind)

	var second bytes.Buffer
	require.NoError(t, Encode(&second, decoded))
	assert.Equal(t, first.String(), second.String())
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(strings.NewReader("{\"ordinal\":1,\"kind\":\"a\",\"payload\":{}}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")

	_, err = Decode(strings.NewReader(`{"ordinal":1,"payload":{}}`))
	assert.Error(t, err)

	records, err := Decode(strings.NewReader("\n\n"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecorder_OrdinalsPerRun(t *testing.T) {
	mem := NewMemory()
	rec := NewRecorder(mem)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Record("a", KindBusPublish, i)
		}()
	}
	wg.Wait()
	rec.OnPublish(models.Message{ID: "m1", CorrelationID: "b"})
	rec.OnStep(models.AgentStep{RunID: "b", TaskID: "t1"})

	a := mem.Trace("a")
	require.Len(t, a.Records, 50)
	for i, r := range a.Records {
		assert.Equal(t, int64(i+1), r.Ordinal)
	}

	b := mem.Trace("b")
	require.Len(t, b.Records, 2)
	assert.Equal(t, KindBusPublish, b.Records[0].Kind)
	assert.Equal(t, KindAgentStep, b.Records[1].Kind)
	assert.Len(t, b.Of(KindAgentStep), 1)
	assert.NoError(t, rec.Err())
}

type failingSink struct{}

func (failingSink) Append(string, Record) error { return os.ErrPermission }

func TestRecorder_KeepsFirstSinkError(t *testing.T) {
	mem := NewMemory()
	rec := NewRecorder(failingSink{}, mem)
	rec.Record("r", KindRunStart, "x")
	assert.ErrorIs(t, rec.Err(), os.ErrPermission)
	assert.Len(t, mem.Trace("r").Records, 1, "other sinks still receive the record")
}

func TestFileRepository(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "traces")
	repo := NewFileRepository(dir)
	rec := NewRecorder(repo)

	rec.Record("run-1", KindRunStart, map[string]string{"goal": "g"})
	rec.Record("run-1", KindRunEnd, models.RunState{RunID: "run-1", Phase: models.RunPhaseCompleted})
	rec.Record("run-2", KindRunStart, map[string]string{"goal": "h"})
	require.NoError(t, rec.Err())

	ids, err := repo.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, ids)

	tr, err := repo.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", tr.RunID)
	require.Len(t, tr.Records, 2)

	var end models.RunState
	require.NoError(t, tr.Records[1].Decode(&end))
	assert.Equal(t, models.RunPhaseCompleted, end.Phase)

	// Save of a loaded trace reproduces the file byte for byte.
	before, err := os.ReadFile(repo.Path("run-1"))
	require.NoError(t, err)
	require.NoError(t, repo.Save(tr))
	after, err := os.ReadFile(repo.Path("run-1"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = repo.Load("missing")
	assert.Error(t, err)
}

func TestFileRepository_ListMissingDir(t *testing.T) {
	ids, err := NewFileRepository(filepath.Join(t.TempDir(), "none")).List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
