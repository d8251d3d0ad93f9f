package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Video-Reason/VBVR-DataFactory/internal/database"
	"github.com/Video-Reason/VBVR-DataFactory/internal/storage"
	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type runCall struct {
	numSamples int
	seed       int64
}

// fakeRunner writes canned generator output: one maze_task directory with one
// sample per configured hash. An empty hash produces a sample without
// metadata.json (dedup-exempt).
type fakeRunner struct {
	t       *testing.T
	calls   []runCall
	outputs [][]string
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, generator string, numSamples int, seed int64, outputDir string) (int, error) {
	call := len(r.calls)
	r.calls = append(r.calls, runCall{numSamples: numSamples, seed: seed})
	if r.err != nil {
		return 0, fmt.Errorf("%w: %w", ErrGenerator, r.err)
	}

	var hashes []string
	if call < len(r.outputs) {
		hashes = r.outputs[call]
	}

	taskDir := filepath.Join(outputDir, "maze_task")
	for i, hash := range hashes {
		sampleDir := filepath.Join(taskDir, fmt.Sprintf("sample_%d", i))
		require.NoError(r.t, os.MkdirAll(sampleDir, os.ModePerm))
		require.NoError(r.t, os.WriteFile(filepath.Join(sampleDir, "prompt.txt"), []byte("prompt"), 0o644))
		require.NoError(r.t, os.WriteFile(filepath.Join(sampleDir, "first_frame.png"), []byte("png"), 0o644))
		if hash != "" {
			meta, err := json.Marshal(map[string]string{"param_hash": hash})
			require.NoError(r.t, err)
			require.NoError(r.t, os.WriteFile(filepath.Join(sampleDir, "metadata.json"), meta, 0o644))
		}
	}

	return len(hashes), nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	entries map[string]string
	calls   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[string]string)}
}

func (r *fakeRegistry) preRegister(generator, hash, sampleId string) {
	r.entries[generator+"/"+hash] = sampleId
}

func (r *fakeRegistry) CheckAndRegister(ctx context.Context, generator, paramHash, sampleId string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	key := generator + "/" + paramHash
	if owner, ok := r.entries[key]; ok {
		return owner == sampleId, nil
	}
	r.entries[key] = sampleId
	return true, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{counts: make(map[string]int)}
}

func (r *fakeRecorder) add(name string, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += value
}

func (r *fakeRecorder) get(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *fakeRecorder) TaskSuccess(ctx context.Context, generator string) { r.add("TaskSuccess", 1) }
func (r *fakeRecorder) TaskFailure(ctx context.Context, generator, errorType string) {
	r.add("TaskFailure:"+errorType, 1)
}
func (r *fakeRecorder) SamplesUploaded(ctx context.Context, generator string, count int) {
	r.add("SamplesUploaded", count)
}
func (r *fakeRecorder) TaskDuration(ctx context.Context, generator string, elapsed time.Duration) {
	r.add("TaskDuration", 1)
}
func (r *fakeRecorder) DedupDuplicatesFound(ctx context.Context, generator string, count int) {
	r.add("DedupDuplicatesFound", count)
}
func (r *fakeRecorder) DedupRetryRounds(ctx context.Context, generator string, rounds int) {
	r.add("DedupRetryRounds", rounds)
}
func (r *fakeRecorder) DedupSkipped(ctx context.Context, generator string, count int) {
	r.add("DedupSkipped", count)
}
func (r *fakeRecorder) DedupSamplesDropped(ctx context.Context, generator string, count int) {
	r.add("DedupSamplesDropped", count)
}

type fakeQueueTask struct {
	payload  string
	acked    bool
	nacked   bool
	rejected bool
}

func (t *fakeQueueTask) Type() string    { return "generate_tasks_queue" }
func (t *fakeQueueTask) Payload() []byte { return []byte(t.payload) }
func (t *fakeQueueTask) Ack() error      { t.acked = true; return nil }
func (t *fakeQueueTask) Nack() error     { t.nacked = true; return nil }
func (t *fakeQueueTask) Reject() error   { t.rejected = true; return nil }

type processorFixture struct {
	proc     *TaskProcessor
	runner   *fakeRunner
	registry *fakeRegistry
	recorder *fakeRecorder
	store    *storage.LocalObjectStore
	db       *gorm.DB
}

func setupProcessor(t *testing.T, runner *fakeRunner, maxDedupRounds int) *processorFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), "outputs"))

	registry := newFakeRegistry()
	recorder := newFakeRecorder()

	return &processorFixture{
		proc:     NewTaskProcessor(db, store, nil, runner, registry, recorder, "outputs", "questions", maxDedupRounds),
		runner:   runner,
		registry: registry,
		recorder: recorder,
		store:    store,
		db:       db,
	}
}

func (f *processorFixture) storedKeys(t *testing.T, prefix string) []string {
	t.Helper()
	objects, err := f.store.ListObjects(context.Background(), "outputs", prefix)
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Name)
	}
	return keys
}

func TestProcessGenerateTaskAssignsSeedAndRenames(t *testing.T) {
	runner := &fakeRunner{t: t, outputs: [][]string{{"h0", "h1", "h2", "h3", "h4"}}}
	f := setupProcessor(t, runner, 3)

	err := f.proc.ProcessGenerateTask(context.Background(), models.TaskMessage{
		Type:       "maze_solving",
		NumSamples: 5,
		StartIndex: 100,
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.GreaterOrEqual(t, runner.calls[0].seed, int64(1))
	assert.Equal(t, 5, runner.calls[0].numSamples)

	// dedup=false: the registry is never touched.
	assert.Zero(t, f.registry.calls)

	for _, sampleId := range []string{"00100", "00101", "00102", "00103", "00104"} {
		keys := f.storedKeys(t, "questions/maze_solving/maze_task/"+sampleId+"/")
		assert.Len(t, keys, 3, "sample %s", sampleId) // prompt, frame, metadata
	}

	assert.Equal(t, 1, f.recorder.get("TaskSuccess"))
	assert.Equal(t, 5, f.recorder.get("SamplesUploaded"))
}

func TestProcessGenerateTaskDedupRegenerationRound(t *testing.T) {
	// Three samples share one hash; regeneration yields two fresh unique ones.
	runner := &fakeRunner{t: t, outputs: [][]string{
		{"shared", "shared", "shared"},
		{"fresh_a", "fresh_b"},
	}}
	f := setupProcessor(t, runner, 3)

	err := f.proc.ProcessGenerateTask(context.Background(), models.TaskMessage{
		Type:       "maze_solving",
		NumSamples: 3,
		StartIndex: 0,
		Seed:       seedPtr(50),
		Dedup:      true,
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, 2, runner.calls[1].numSamples)
	// Regeneration uses a distinct seed derived from the task seed and round.
	assert.Equal(t, int64(51), runner.calls[1].seed)

	assert.Equal(t, 2, f.recorder.get("DedupDuplicatesFound"))
	assert.Equal(t, 1, f.recorder.get("DedupRetryRounds"))
	assert.Equal(t, 3, f.recorder.get("SamplesUploaded"))

	for _, sampleId := range []string{"00000", "00001", "00002"} {
		keys := f.storedKeys(t, "questions/maze_solving/maze_task/"+sampleId+"/")
		assert.Len(t, keys, 3, "sample %s", sampleId)
	}
}

func TestProcessGenerateTaskAllDuplicatesSucceedsEmpty(t *testing.T) {
	// Both hashes already owned by other samples, and regeneration keeps
	// producing the same content, so the round limit drains the task empty.
	runner := &fakeRunner{t: t, outputs: [][]string{
		{"taken_a", "taken_b"},
		{"taken_a", "taken_b"},
	}}
	f := setupProcessor(t, runner, 1)
	f.registry.preRegister("maze_solving", "taken_a", "88888")
	f.registry.preRegister("maze_solving", "taken_b", "99999")

	err := f.proc.ProcessGenerateTask(context.Background(), models.TaskMessage{
		Type:       "maze_solving",
		NumSamples: 2,
		StartIndex: 0,
		Seed:       seedPtr(7),
		Dedup:      true,
	})
	require.NoError(t, err)

	assert.Empty(t, f.storedKeys(t, ""))
	assert.Equal(t, 1, f.recorder.get("TaskSuccess"))
	assert.Equal(t, 0, f.recorder.get("SamplesUploaded"))
	assert.Equal(t, 2, f.recorder.get("DedupSamplesDropped"))

	var run database.TaskRun
	require.NoError(t, f.db.First(&run).Error)
	assert.Equal(t, database.TaskSucceeded, run.Status)
	assert.Equal(t, 0, run.SamplesUploaded)
}

func TestProcessGenerateTaskExemptSamplesSkipRegistry(t *testing.T) {
	// Samples without metadata are dedup-exempt even when dedup is on.
	runner := &fakeRunner{t: t, outputs: [][]string{{"", "", "hashed"}}}
	f := setupProcessor(t, runner, 3)

	err := f.proc.ProcessGenerateTask(context.Background(), models.TaskMessage{
		Type:       "maze_solving",
		NumSamples: 3,
		Seed:       seedPtr(1),
		Dedup:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.registry.calls)
	assert.Equal(t, 2, f.recorder.get("DedupSkipped"))
	assert.Equal(t, 3, f.recorder.get("SamplesUploaded"))
}

func TestProcessGenerateTaskNoOutputFails(t *testing.T) {
	runner := &fakeRunner{t: t, outputs: [][]string{{}}}
	f := setupProcessor(t, runner, 3)

	err := f.proc.ProcessGenerateTask(context.Background(), models.TaskMessage{
		Type:       "maze_solving",
		NumSamples: 5,
		Seed:       seedPtr(1),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStructural))
	assert.Equal(t, 1, f.recorder.get("TaskFailure:Structural"))

	var run database.TaskRun
	require.NoError(t, f.db.First(&run).Error)
	assert.Equal(t, database.TaskFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestProcessGenerateTaskTarFormat(t *testing.T) {
	runner := &fakeRunner{t: t, outputs: [][]string{{"a", "b", "c"}}}
	f := setupProcessor(t, runner, 3)

	err := f.proc.ProcessGenerateTask(context.Background(), models.TaskMessage{
		Type:         "maze_solving",
		NumSamples:   3,
		Seed:         seedPtr(1),
		OutputFormat: models.FormatTar,
	})
	require.NoError(t, err)

	keys := f.storedKeys(t, "")
	require.Len(t, keys, 1)
	assert.Equal(t, "questions/maze_solving_00000-00002.tar.gz", keys[0])
}

func TestProcessTaskMalformedMessageRejected(t *testing.T) {
	f := setupProcessor(t, &fakeRunner{t: t}, 3)

	task := &fakeQueueTask{payload: "{not json"}
	f.proc.ProcessTask(task)

	assert.True(t, task.rejected)
	assert.False(t, task.acked)
	assert.False(t, task.nacked)
}

func TestProcessTaskUnknownFieldRejected(t *testing.T) {
	f := setupProcessor(t, &fakeRunner{t: t}, 3)

	// An unrecognized field means the submitter and worker disagree on the
	// message schema; running anyway could ignore a parameter the submitter
	// relied on.
	task := &fakeQueueTask{payload: `{"type": "maze_solving", "num_samples": 1, "sample_count": 500}`}
	f.proc.ProcessTask(task)

	assert.True(t, task.rejected)
	assert.False(t, task.acked)
	assert.False(t, task.nacked)
	assert.Empty(t, f.runner.calls)
}

func TestProcessTaskInvalidMessageRejected(t *testing.T) {
	f := setupProcessor(t, &fakeRunner{t: t}, 3)

	task := &fakeQueueTask{payload: `{"type": "maze_solving", "num_samples": 0}`}
	f.proc.ProcessTask(task)

	assert.True(t, task.rejected)
	assert.Equal(t, 1, f.recorder.get("TaskFailure:Validation"))
}

func TestProcessTaskGeneratorFailureNacked(t *testing.T) {
	runner := &fakeRunner{t: t, err: errors.New("exit status 1")}
	f := setupProcessor(t, runner, 3)

	task := &fakeQueueTask{payload: `{"type": "maze_solving", "num_samples": 1, "seed": 1}`}
	f.proc.ProcessTask(task)

	assert.True(t, task.nacked)
	assert.False(t, task.rejected)
	assert.Equal(t, 1, f.recorder.get("TaskFailure:Generator"))
}

func TestProcessTaskSuccessAcked(t *testing.T) {
	runner := &fakeRunner{t: t, outputs: [][]string{{"h"}}}
	f := setupProcessor(t, runner, 3)

	task := &fakeQueueTask{payload: `{"type": "maze_solving", "num_samples": 1, "seed": 1}`}
	f.proc.ProcessTask(task)

	assert.True(t, task.acked)
}

func seedPtr(seed int64) *int64 {
	return &seed
}
