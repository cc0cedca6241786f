package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"time"

	"sd-batch/internal/config"
	"sd-batch/internal/dispatch"
	"sd-batch/internal/domain"
	"sd-batch/internal/executor"
	"sd-batch/internal/output"
	"sd-batch/internal/sequence"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StaticEndpoints is an endpoint pool given as a list of URLs.
type StaticEndpoints []string

func (s StaticEndpoints) Endpoints(context.Context) ([]domain.Endpoint, error) {
	out := make([]domain.Endpoint, len(s))
	for i, u := range s {
		out[i] = domain.Endpoint{URL: u}
	}
	return out, nil
}

// FallbackEndpoints asks each source in turn and returns the first
// non-empty pool.
type FallbackEndpoints []domain.EndpointSource

func (f FallbackEndpoints) Endpoints(ctx context.Context) ([]domain.Endpoint, error) {
	var errs []error
	for _, src := range f {
		endpoints, err := src.Endpoints(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(endpoints) > 0 {
			return endpoints, nil
		}
	}
	return nil, errors.Join(errs...)
}

// Deps are the collaborators of a BatchService. History and Video are
// optional.
type Deps struct {
	Fs         afero.Fs
	Endpoints  domain.EndpointSource
	NewBackend domain.BackendFactory
	Extractor  domain.MetadataExtractor
	History    domain.ExecutionRepository
	Video      VideoTools
	Logger     *slog.Logger
}

// BatchService turns user requests into batches of jobs and runs them
// across the endpoint pool.
type BatchService struct {
	cfg  *config.Config
	deps Deps

	namer  *output.Namer
	logger *slog.Logger
	tracer trace.Tracer
}

func NewBatchService(cfg *config.Config, deps Deps) *BatchService {
	return &BatchService{
		cfg:    cfg,
		deps:   deps,
		namer:  output.NewNamer(deps.Fs),
		logger: deps.Logger.With("component", "batch-service"),
		tracer: otel.Tracer("sd-batch-usecase"),
	}
}

func (s *BatchService) extractor() domain.MetadataExtractor {
	if !s.cfg.Img2Img.ParseMetadata {
		return nil
	}
	return s.deps.Extractor
}

// Endpoints resolves the pool a run started now would use.
func (s *BatchService) Endpoints(ctx context.Context) ([]domain.Endpoint, error) {
	endpoints, err := s.deps.Endpoints.Endpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, &domain.InputError{Err: domain.ErrNoEndpoints}
	}
	return endpoints, nil
}

// run dispatches jobs over the endpoint pool.
func (s *BatchService) run(ctx context.Context, name string, endpoints []domain.Endpoint, executors map[domain.JobKind]domain.Executor, jobs iter.Seq2[*domain.Job, error], observers ...domain.Observer) (*dispatch.Summary, error) {
	ctx, span := s.tracer.Start(ctx, "service."+name)
	defer span.End()

	if s.deps.History != nil {
		observers = append(observers, NewHistoryRecorder(s.deps.History, s.cfg.Etcd.Timeout, s.logger))
	}

	d := dispatch.NewDispatcher(executors, s.deps.NewBackend, s.deps.Logger, observers...)
	summary, err := d.Run(ctx, endpoints, jobs)
	if summary != nil {
		span.SetAttributes(
			attribute.String("run.id", summary.RunID),
			attribute.Int("jobs.enqueued", summary.Enqueued),
			attribute.Int("jobs.failed", summary.Failed),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return summary, err
}

func newJob(kind domain.JobKind, index int) *domain.Job {
	return &domain.Job{ID: uuid.NewString(), Kind: kind, Index: index, CreatedAt: time.Now()}
}

// Txt2Img generates req.Count images.
func (s *BatchService) Txt2Img(ctx context.Context, req *Txt2ImgRequest) (*dispatch.Summary, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	endpoints, err := s.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	dir := req.OutputDir
	if dir == "" {
		dir = s.cfg.OutputDir
	}

	executors := map[domain.JobKind]domain.Executor{
		domain.JobKindTxt2Img: executor.NewTxt2Img(s.namer, dir, s.cfg.Txt2Img.Payload, s.deps.Logger),
	}
	params := req.Payload()
	jobs := func(yield func(*domain.Job, error) bool) {
		for i := range req.Count {
			job := newJob(domain.JobKindTxt2Img, i)
			job.Params = params
			if !yield(job, nil) {
				return
			}
		}
	}
	return s.run(ctx, "Txt2Img", endpoints, executors, jobs)
}

// files lists the inputs of a directory request, leaving out files whose
// stem ends in skipSuffix.
func (s *BatchService) files(req DirRequest, skipSuffix string) ([]string, error) {
	matches, err := Glob(s.deps.Fs, req.Dir, req.Glob)
	if err != nil {
		return nil, err
	}
	files := matches[:0]
	for _, m := range matches {
		if hasStemSuffix(m, skipSuffix) {
			s.logger.Debug("skipping earlier output", "path", m)
			continue
		}
		files = append(files, m)
	}
	s.logger.Info("input files selected", "dir", req.Dir, "glob", req.Glob, "files", len(files))
	return files, nil
}

func fileJobs(kind domain.JobKind, files []string, params domain.Payload) iter.Seq2[*domain.Job, error] {
	return func(yield func(*domain.Job, error) bool) {
		for i, f := range files {
			job := newJob(kind, i)
			job.Source = f
			job.Params = params
			if !yield(job, nil) {
				return
			}
		}
	}
}

// Img2Img reworks every matched image into <stem><suffix>.<ext> next to it.
func (s *BatchService) Img2Img(ctx context.Context, req *Img2ImgRequest) (*dispatch.Summary, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	files, err := s.files(req.DirRequest, s.cfg.Img2Img.Suffix)
	if err != nil {
		return nil, err
	}
	endpoints, err := s.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	executors := map[domain.JobKind]domain.Executor{
		domain.JobKindImg2Img: executor.NewImg2Img(s.deps.Fs, s.cfg.Img2Img.Suffix, s.cfg.Img2Img.Payload, s.extractor(), s.deps.Logger),
	}
	return s.run(ctx, "Img2Img", endpoints, executors, fileJobs(domain.JobKindImg2Img, files, req.Payload()))
}

// Interrogate captions every matched image into <stem>.txt.
func (s *BatchService) Interrogate(ctx context.Context, req *InterrogateRequest) (*dispatch.Summary, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	files, err := s.files(req.DirRequest, "")
	if err != nil {
		return nil, err
	}
	endpoints, err := s.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Interrogate.Model
	}
	executors := map[domain.JobKind]domain.Executor{
		domain.JobKindInterrogate: executor.NewInterrogate(s.deps.Fs, model, s.deps.Logger),
	}
	return s.run(ctx, "Interrogate", endpoints, executors, fileJobs(domain.JobKindInterrogate, files, nil))
}

func (s *BatchService) frameExecutor() domain.Executor {
	units := make([]domain.Payload, len(s.cfg.Video.ControlNet))
	for i, u := range s.cfg.Video.ControlNet {
		units[i] = u
	}
	return executor.NewFrame(s.deps.Fs, s.namer, executor.FrameOptions{
		Defaults:   s.cfg.Video.Payload,
		Extractor:  s.extractor(),
		ControlNet: units,
		FramesDir:  s.cfg.Video.FramesDir,
	}, s.deps.Logger)
}

// encode runs frame jobs and muxes the generated frames, in index order,
// into output.
func (s *BatchService) encode(ctx context.Context, name, output, frameRate string, jobs iter.Seq2[*domain.Job, error]) (*dispatch.Summary, error) {
	if s.deps.Video == nil {
		return nil, &domain.InputError{Err: errors.New("video tools are not configured")}
	}
	if err := s.checkVideoOutput(output); err != nil {
		return nil, err
	}
	endpoints, err := s.Endpoints(ctx)
	if err != nil {
		return nil, err
	}

	// The encoder outlives an interrupt so the frames produced so far
	// still make a playable file.
	enc, err := s.deps.Video.NewEncoder(context.WithoutCancel(ctx), output, frameRate)
	if err != nil {
		return nil, err
	}
	seq := sequence.New(enc, 0, s.deps.Logger)

	executors := map[domain.JobKind]domain.Executor{domain.JobKindFrame: s.frameExecutor()}
	summary, runErr := s.run(ctx, name, endpoints, executors, jobs, seq)

	seqErr := seq.Close()
	encErr := enc.Close()
	s.logger.Info("video finished", "output", output, "frames", seq.Written(), "skipped", len(seq.Skipped()))
	return summary, errors.Join(runErr, seqErr, encErr)
}

func (s *BatchService) checkVideoOutput(output string) error {
	if s.cfg.Video.Overwrite {
		return nil
	}
	if ok, _ := afero.Exists(s.deps.Fs, output); ok {
		return &domain.ConflictError{Path: output}
	}
	return nil
}

// Img2Vid reworks the matched images as consecutive frames of a video.
func (s *BatchService) Img2Vid(ctx context.Context, req *Img2VidRequest) (*dispatch.Summary, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	files, err := s.files(req.DirRequest, s.cfg.Img2Img.Suffix)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &domain.InputError{Path: req.Dir, Err: fmt.Errorf("no files match %q", req.Glob)}
	}
	return s.encode(ctx, "Img2Vid", req.Output, s.cfg.Video.FrameRate,
		fileJobs(domain.JobKindFrame, files, promptPayload(req.Prompt)))
}

// Vid2Vid reworks every frame of req.Input and muxes the result at the
// input's frame rate.
func (s *BatchService) Vid2Vid(ctx context.Context, req *Vid2VidRequest) (*dispatch.Summary, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if s.deps.Video == nil {
		return nil, &domain.InputError{Err: errors.New("video tools are not configured")}
	}
	if abs(req.Input) == abs(req.Output) {
		return nil, &domain.InputError{Path: req.Output, Err: errors.New("output would overwrite the input")}
	}
	info, err := s.deps.Video.Probe(ctx, req.Input)
	if err != nil {
		return nil, &domain.InputError{Path: req.Input, Err: err}
	}
	s.logger.Info("input video probed", "input", req.Input, "width", info.Width, "height", info.Height, "frame_rate", info.FrameRate)

	frames := s.deps.Video.Frames(ctx, req.Input, info)
	return s.encode(ctx, "Vid2Vid", req.Output, info.FrameRate, frameJobs(frames, promptPayload(req.Prompt)))
}

func frameJobs(frames iter.Seq2[[]byte, error], params domain.Payload) iter.Seq2[*domain.Job, error] {
	return func(yield func(*domain.Job, error) bool) {
		i := 0
		for frame, err := range frames {
			if err != nil {
				yield(nil, fmt.Errorf("decode frame %d: %w", i, err))
				return
			}
			job := newJob(domain.JobKindFrame, i)
			job.Frame = frame
			job.Params = params
			if !yield(job, nil) {
				return
			}
			i++
		}
	}
}

func abs(p string) string {
	a, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return a
}

// History returns the execution records of a run, ordered by job index.
func (s *BatchService) History(ctx context.Context, req *HistoryRequest) ([]*domain.ExecutionRecord, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if s.deps.History == nil {
		return nil, &domain.InputError{Err: errors.New("execution history needs etcd.endpoints and etcd.history")}
	}
	ctx, span := s.tracer.Start(ctx, "service.History", trace.WithAttributes(attribute.String("run.id", req.RunID)))
	defer span.End()

	records, err := s.deps.History.ListByRun(ctx, req.RunID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list run history from repository")
	}
	return records, err
}

// Execution returns one execution record of a run.
func (s *BatchService) Execution(ctx context.Context, req *ExecutionRequest) (*domain.ExecutionRecord, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if s.deps.History == nil {
		return nil, &domain.InputError{Err: errors.New("execution history needs etcd.endpoints and etcd.history")}
	}
	record, err := s.deps.History.Get(ctx, req.RunID, req.ExecutionID)
	if errors.Is(err, domain.ErrExecutionNotFound) {
		return nil, &domain.InputError{Err: err}
	}
	return record, err
}
