package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"sd-batch/internal/config"
	"sd-batch/internal/domain"
	"sd-batch/internal/infra/ffmpeg"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// echoBackend answers img2img with its init image, txt2img with a fixed
// PNG and interrogate with a fixed caption.
type echoBackend struct {
	endpoint domain.Endpoint
	png      []byte
}

func (b *echoBackend) Call(_ context.Context, op string, payload any, out any) error {
	p := payload.(domain.Payload)
	var resp any
	switch op {
	case "txt2img":
		resp = map[string]any{"images": []string{base64.StdEncoding.EncodeToString(b.png)}}
	case "img2img":
		init := p["init_images"].([]string)[0]
		_, data, _ := strings.Cut(init, ",")
		resp = map[string]any{"images": []string{data}}
	case "interrogate":
		resp = map[string]any{"caption": " a dog on a skateboard \n"}
	default:
		return &domain.BackendError{Endpoint: b.endpoint.URL, Operation: op, StatusCode: 404}
	}
	raw, _ := json.Marshal(resp)
	return json.Unmarshal(raw, out)
}
func (b *echoBackend) Endpoint() domain.Endpoint { return b.endpoint }
func (b *echoBackend) Close() error              { return nil }

// bufferEncoder stands in for ffmpeg.
type bufferEncoder struct {
	mu        sync.Mutex
	frames    [][]byte
	output    string
	frameRate string
	closed    bool
}

func (e *bufferEncoder) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, bytes.Clone(p))
	return len(p), nil
}

func (e *bufferEncoder) Close() error {
	e.closed = true
	return nil
}

type fakeVideo struct {
	info   *ffmpeg.StreamInfo
	frames [][]byte
	enc    *bufferEncoder
}

func (v *fakeVideo) Probe(context.Context, string) (*ffmpeg.StreamInfo, error) { return v.info, nil }

func (v *fakeVideo) Frames(context.Context, string, *ffmpeg.StreamInfo) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, f := range v.frames {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (v *fakeVideo) NewEncoder(_ context.Context, output, frameRate string) (io.WriteCloser, error) {
	v.enc = &bufferEncoder{output: output, frameRate: frameRate}
	return v.enc, nil
}

type memHistory struct {
	mu      sync.Mutex
	records []*domain.ExecutionRecord
}

func (m *memHistory) Save(_ context.Context, r *domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memHistory) ListByRun(_ context.Context, runID string) ([]*domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ExecutionRecord
	for _, r := range m.records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memHistory) Get(_ context.Context, runID, executionID string) (*domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.RunID == runID && strings.HasPrefix(r.ID, executionID) {
			return r, nil
		}
	}
	return nil, domain.ErrExecutionNotFound
}

type fixture struct {
	fs      afero.Fs
	svc     *BatchService
	video   *fakeVideo
	history *memHistory
}

func newFixture(t *testing.T, servers ...string) *fixture {
	t.Helper()
	if len(servers) == 0 {
		servers = []string{"http://gpu-1:7860", "http://gpu-2:7860"}
	}
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.OutputDir = "out"

	f := &fixture{fs: afero.NewMemMapFs(), video: &fakeVideo{}, history: &memHistory{}}
	img := pngOf(t, 8, 8)
	f.svc = NewBatchService(cfg, Deps{
		Fs:        f.fs,
		Endpoints: StaticEndpoints(servers),
		NewBackend: func(e domain.Endpoint) (domain.Backend, error) {
			return &echoBackend{endpoint: e, png: img}, nil
		},
		History: f.history,
		Video:   f.video,
		Logger:  slog.Default(),
	})
	return f
}

func TestTxt2Img(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Prompt: "puppy", Count: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Succeeded)
	for i := range 3 {
		ok, _ := afero.Exists(f.fs, fmt.Sprintf("out/%08d.png", i))
		assert.True(t, ok)
	}
}

func TestTxt2Img_SecondRunFallsBackToSuffixedNames(t *testing.T) {
	f := newFixture(t)
	req := &Txt2ImgRequest{Prompt: "puppy", Count: 2}
	_, err := f.svc.Txt2Img(context.Background(), req)
	require.NoError(t, err)
	_, err = f.svc.Txt2Img(context.Background(), req)
	require.NoError(t, err)

	for _, name := range []string{"00000000.png", "00000001.png", "00000000_00.png", "00000001_00.png"} {
		ok, _ := afero.Exists(f.fs, "out/"+name)
		assert.True(t, ok, name)
	}
}

func TestTxt2Img_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Prompt: "x", Count: 0})
	assert.True(t, domain.IsInput(err))

	_, err = f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Count: 1})
	assert.True(t, domain.IsInput(err), "prompt is required")
}

func TestTxt2Img_NoEndpoints(t *testing.T) {
	f := newFixture(t)
	f.svc.deps.Endpoints = StaticEndpoints{}
	_, err := f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Prompt: "x", Count: 1})
	assert.ErrorIs(t, err, domain.ErrNoEndpoints)
}

func TestTxt2ImgRequest_Payload(t *testing.T) {
	steps, w, seed, cfg := 30, 512, int64(-1), 7.5
	req := &Txt2ImgRequest{Prompt: "p", NegativePrompt: "n", Count: 1, Steps: &steps, Width: &w, Seed: &seed, CFGScale: &cfg, Sampler: "Euler a"}
	assert.Equal(t, domain.Payload{
		"prompt": "p", "negative_prompt": "n", "steps": 30, "width": 512,
		"seed": int64(-1), "cfg_scale": 7.5, "sampler_name": "Euler a",
	}, req.Payload())
}

// recordingBackend is an echoBackend that keeps every payload it receives.
type recordingBackend struct {
	*echoBackend
	mu       *sync.Mutex
	payloads *[]domain.Payload
}

func (b *recordingBackend) Call(ctx context.Context, op string, payload any, out any) error {
	b.mu.Lock()
	*b.payloads = append(*b.payloads, payload.(domain.Payload))
	b.mu.Unlock()
	return b.echoBackend.Call(ctx, op, payload, out)
}

func TestTxt2Img_StepsFlagOverridesConfiguredPayload(t *testing.T) {
	f := newFixture(t, "http://gpu-1:7860")
	f.svc.cfg.Txt2Img.Payload = map[string]any{"steps": 42}

	var mu sync.Mutex
	var payloads []domain.Payload
	img := pngOf(t, 8, 8)
	f.svc.deps.NewBackend = func(e domain.Endpoint) (domain.Backend, error) {
		return &recordingBackend{echoBackend: &echoBackend{endpoint: e, png: img}, mu: &mu, payloads: &payloads}, nil
	}

	_, err := f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Prompt: "x", Count: 1})
	require.NoError(t, err)
	steps := 10
	_, err = f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Prompt: "x", Count: 1, Steps: &steps})
	require.NoError(t, err)

	require.Len(t, payloads, 2)
	assert.Equal(t, 42, payloads[0]["steps"], "configured steps apply when the request leaves them unset")
	assert.Equal(t, 10, payloads[1]["steps"])
}

func TestTxt2ImgRequest_PayloadLeavesUnsetStepsOut(t *testing.T) {
	req := &Txt2ImgRequest{Prompt: "p", Count: 1}
	assert.Equal(t, domain.Payload{"prompt": "p"}, req.Payload())
}

func writeFile(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
}

func TestImg2Img_SkipsEarlierOutputs(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "in/a.png", pngOf(t, 4, 4))
	writeFile(t, f.fs, "in/sub/b.png", pngOf(t, 4, 4))
	writeFile(t, f.fs, "in/c_img2img.png", pngOf(t, 4, 4))

	summary, err := f.svc.Img2Img(context.Background(), &Img2ImgRequest{DirRequest: DirRequest{Dir: "in", Glob: "**/*.png"}})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Enqueued)
	assert.Equal(t, 2, summary.Succeeded)
	for _, p := range []string{"in/a_img2img.png", "in/sub/b_img2img.png"} {
		ok, _ := afero.Exists(f.fs, p)
		assert.True(t, ok, p)
	}
	ok, _ := afero.Exists(f.fs, "in/c_img2img_img2img.png")
	assert.False(t, ok)
}

func TestImg2Img_RerunIsAllConflicts(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "in/a.png", pngOf(t, 4, 4))
	req := &Img2ImgRequest{DirRequest: DirRequest{Dir: "in", Glob: "*.png"}}

	_, err := f.svc.Img2Img(context.Background(), req)
	require.NoError(t, err)
	summary, err := f.svc.Img2Img(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByErrorKind[domain.ErrorKindConflict])
}

func TestImg2Img_MissingDirIsInputError(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Img2Img(context.Background(), &Img2ImgRequest{DirRequest: DirRequest{Dir: "nope", Glob: "*.png"}})
	assert.True(t, domain.IsInput(err))
}

func TestInterrogate(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "in/a.png", pngOf(t, 4, 4))

	summary, err := f.svc.Interrogate(context.Background(), &InterrogateRequest{DirRequest: DirRequest{Dir: "in", Glob: "*.png"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	caption, err := afero.ReadFile(f.fs, "in/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a dog on a skateboard", string(caption))
}

func TestImg2Vid_FramesKeepInputOrder(t *testing.T) {
	f := newFixture(t, "http://gpu-1:7860", "http://gpu-2:7860", "http://gpu-3:7860")
	var inputs [][]byte
	for i := range 6 {
		data := pngOf(t, 4+i, 4)
		inputs = append(inputs, data)
		writeFile(t, f.fs, fmt.Sprintf("frames/%02d.png", i), data)
	}

	summary, err := f.svc.Img2Vid(context.Background(), &Img2VidRequest{
		DirRequest: DirRequest{Dir: "frames", Glob: "*.png"},
		Output:     "out.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Succeeded)

	enc := f.video.enc
	require.NotNil(t, enc)
	assert.True(t, enc.closed)
	assert.Equal(t, "12", enc.frameRate)
	assert.Equal(t, "out.mp4", enc.output)
	assert.Equal(t, inputs, enc.frames)
}

func TestImg2Vid_NoMatchesStartsNoEncoder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.MkdirAll("frames", 0o755))

	_, err := f.svc.Img2Vid(context.Background(), &Img2VidRequest{
		DirRequest: DirRequest{Dir: "frames", Glob: "*.png"},
		Output:     "out.mp4",
	})
	assert.True(t, domain.IsInput(err))
	assert.Nil(t, f.video.enc)
}

func TestVid2Vid_UsesInputFrameRate(t *testing.T) {
	f := newFixture(t)
	f.video.info = &ffmpeg.StreamInfo{Width: 4, Height: 4, FrameRate: "30000/1001"}
	for i := range 5 {
		f.video.frames = append(f.video.frames, pngOf(t, 4, 4+i))
	}

	summary, err := f.svc.Vid2Vid(context.Background(), &Vid2VidRequest{Input: "in.mp4", Output: "out.mp4", Prompt: "oil painting"})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, "30000/1001", f.video.enc.frameRate)
	assert.Equal(t, f.video.frames, f.video.enc.frames)
}

func TestVid2Vid_RejectsOverwritingInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Vid2Vid(context.Background(), &Vid2VidRequest{Input: "./clip.mp4", Output: "clip.mp4"})
	assert.True(t, domain.IsInput(err))
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Prompt: "x", Count: 4})
	require.NoError(t, err)

	records, err := f.svc.History(context.Background(), &HistoryRequest{RunID: summary.RunID})
	require.NoError(t, err)
	assert.Len(t, records, 4)

	_, err = f.svc.History(context.Background(), &HistoryRequest{RunID: "not-a-uuid"})
	assert.True(t, domain.IsInput(err))

	f.svc.deps.History = nil
	_, err = f.svc.History(context.Background(), &HistoryRequest{RunID: uuid.NewString()})
	assert.True(t, domain.IsInput(err))
}

func TestExecution(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.Txt2Img(context.Background(), &Txt2ImgRequest{Prompt: "x", Count: 2})
	require.NoError(t, err)
	records, err := f.svc.History(context.Background(), &HistoryRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.NotEmpty(t, records)

	want := records[0]
	got, err := f.svc.Execution(context.Background(), &ExecutionRequest{RunID: summary.RunID, ExecutionID: want.ID[:8]})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = f.svc.Execution(context.Background(), &ExecutionRequest{RunID: summary.RunID, ExecutionID: "ffffffff-none"})
	assert.True(t, domain.IsInput(err))
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)

	_, err = f.svc.Execution(context.Background(), &ExecutionRequest{RunID: summary.RunID, ExecutionID: "ab"})
	assert.True(t, domain.IsInput(err), "prefix too short")
}

type failingSource struct{}

func (failingSource) Endpoints(context.Context) ([]domain.Endpoint, error) {
	return nil, fmt.Errorf("etcd unavailable")
}

func TestFallbackEndpoints(t *testing.T) {
	ctx := context.Background()

	got, err := FallbackEndpoints{StaticEndpoints{}, StaticEndpoints{"http://a:7860"}}.Endpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Endpoint{{URL: "http://a:7860"}}, got)

	got, err = FallbackEndpoints{failingSource{}, StaticEndpoints{"http://b:7860"}}.Endpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://b:7860", got[0].URL)

	_, err = FallbackEndpoints{failingSource{}, StaticEndpoints{}}.Endpoints(ctx)
	assert.ErrorContains(t, err, "etcd unavailable")
}
