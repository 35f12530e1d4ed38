package jobs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
	"github.com/alexpierre9/choir-voice-player/internal/processing"
	"github.com/alexpierre9/choir-voice-player/internal/storage"
)

var (
	// ErrInvalidInput は利用者の入力が不正な場合のエラーです。
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidState はジョブの状態が操作を受け付けない場合のエラーです。
	ErrInvalidState = errors.New("job is not in a valid state for this operation")
	// ErrArtifactNotFound は要求された成果物が存在しない場合のエラーです。
	ErrArtifactNotFound = errors.New("artifact not found")
)

const maxUpdateAttempts = 5

// SubmitRequest はアップロードされた楽譜です。
type SubmitRequest struct {
	OwnerKey         string
	Filename         string
	Kind             processing.SourceKind
	Pages            int
	Data             []byte
	VoiceAssignments map[int]processing.Voice
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	repo       Repository
	blobs      storage.Store
	dispatcher Dispatcher
	log        *logger.Logger
}

// NewManager は Manager を初期化します。
func NewManager(repo Repository, blobs storage.Store, dispatcher Dispatcher, log *logger.Logger) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		repo:       repo,
		blobs:      blobs,
		dispatcher: dispatcher,
		log:        log.With("component", "JobManager"),
	}, nil
}

// Submit は原本を保存してジョブを作成し、最初のランを予約します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	if req.Kind != processing.SourcePDF && req.Kind != processing.SourceMusicXML {
		return nil, fmt.Errorf("%w: unsupported source kind %q", ErrInvalidInput, req.Kind)
	}
	if msg := validateAssignments(req.VoiceAssignments); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	}

	id := uuid.NewString()
	sourceKey, err := m.blobs.Put(ctx, storage.ContentKey("jobs/"+id+"/source", "source", sourceExt(req), req.Data), req.Data)
	if err != nil {
		return nil, fmt.Errorf("store source: %w", err)
	}

	job := &Job{
		ID:           id,
		OwnerKey:     req.OwnerKey,
		Status:       StatusSubmitted,
		StatusDetail: detailQueued,
		Fingerprint:  NewFingerprint(sourceKey, req.VoiceAssignments),
		Source: Source{
			Key:      sourceKey,
			Kind:     req.Kind,
			Filename: req.Filename,
			Size:     int64(len(req.Data)),
			Pages:    req.Pages,
		},
		VoiceAssignments: copyAssignments(req.VoiceAssignments),
	}
	if err := m.repo.Create(ctx, job); err != nil {
		_ = m.blobs.Delete(context.WithoutCancel(ctx), sourceKey)
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := m.dispatch(ctx, RunRequest{JobID: id, Fingerprint: job.Fingerprint, Mode: RunFull}, job.UpdatedAt); err != nil {
		return nil, err
	}
	m.log.Info("job submitted", "job_id", id, "owner", req.OwnerKey, "kind", req.Kind, "size", len(req.Data))
	return m.repo.Get(ctx, id)
}

// UpdateAssignments は声部割り当てを変更し、MIDIを作り直すランを予約します。
// 処理中のジョブは Fingerprint だけが変わり、実行中のランは古い結果として破棄されます。
func (m *Manager) UpdateAssignments(ctx context.Context, id string, assignments map[int]processing.Voice) (*Job, error) {
	if msg := validateAssignments(assignments); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	}
	if assignments == nil {
		assignments = map[int]processing.Voice{}
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		job, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Analysis != nil {
			for idx := range assignments {
				if !hasPart(job.Analysis, idx) {
					return nil, fmt.Errorf("%w: パート番号 %d は楽譜に存在しません", ErrInvalidInput, idx)
				}
			}
		}

		fp := NewFingerprint(job.Source.Key, assignments)
		if fp == job.Fingerprint {
			return job, nil
		}

		patch := Patch{Fingerprint: &fp, VoiceAssignments: assignments}
		mode := RunRegenerate
		switch job.Status {
		case StatusProcessing:
		case StatusFailed:
			patch.Status = statusPtr(StatusSubmitted)
			patch.StatusDetail = stringPtr(detailQueued)
			patch.ClearError = true
			patch.ClearStages = []Stage{StageRecognize, StageAnalyze, StageGenerate}
			mode = RunFull
		default:
			patch.Status = statusPtr(StatusSubmitted)
			patch.StatusDetail = stringPtr(detailQueued)
			patch.ClearStages = []Stage{StageAnalyze, StageGenerate}
		}

		expected := job.UpdatedAt
		updated, err := m.repo.Update(ctx, id, patch, &expected)
		if errors.Is(err, ErrConditionFailed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := m.dispatch(ctx, RunRequest{JobID: id, Fingerprint: fp, Mode: mode}, updated.UpdatedAt); err != nil {
			return nil, err
		}
		m.log.Info("voice assignments changed", "job_id", id, "status", job.Status, "mode", mode)
		return updated, nil
	}
	return nil, fmt.Errorf("update assignments %s: too many concurrent modifications", id)
}

// Retry は failed のジョブを submitted に戻し、原本からパイプライン全体をやり直します。
func (m *Manager) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, job.Status)
	}

	expected := job.UpdatedAt
	updated, err := m.repo.Update(ctx, id, Patch{
		Status:       statusPtr(StatusSubmitted),
		StatusDetail: stringPtr(detailQueued),
		ClearError:   true,
		ClearStages:  []Stage{StageRecognize, StageAnalyze, StageGenerate},
	}, &expected)
	if errors.Is(err, ErrConditionFailed) {
		return nil, fmt.Errorf("%w: job changed concurrently", ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	if err := m.dispatch(ctx, RunRequest{JobID: id, Fingerprint: updated.Fingerprint, Mode: RunFull}, updated.UpdatedAt); err != nil {
		return nil, err
	}
	m.log.Info("job retried", "job_id", id, "previous_reason", reasonOf(job))
	return updated, nil
}

// Get はジョブを取得します。
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.repo.Get(ctx, id)
}

// ReadArtifact は ready のジョブの声部 voice のMIDIを返します。
func (m *Manager) ReadArtifact(ctx context.Context, id string, voice processing.Voice) ([]byte, error) {
	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusReady {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, job.Status)
	}
	key, ok := job.Artifact(StageGenerate, string(voice))
	if !ok {
		return nil, ErrArtifactNotFound
	}
	data, err := m.blobs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrArtifactNotFound
	}
	return data, err
}

// dispatch はランを予約します。予約できなかった場合、ジョブが submitted のまま残らないよう failed にします。
// written は直前に書き込んだ UpdatedAt で、その後に別の更新が入っていればジョブは変更しません。
func (m *Manager) dispatch(ctx context.Context, req RunRequest, written time.Time) error {
	err := m.dispatcher.Dispatch(ctx, req)
	if err == nil {
		return nil
	}
	m.log.Error("failed to dispatch run", "job_id", req.JobID, "error", err)
	msg := "処理を開始できませんでした。再試行してください"
	_, uerr := m.repo.Update(context.WithoutCancel(ctx), req.JobID, failedPatch(ReasonInternal, msg), &written)
	switch {
	case errors.Is(uerr, ErrConditionFailed):
		m.log.Info("job changed after dispatch failure, left untouched", "job_id", req.JobID)
	case uerr != nil:
		m.log.Error("failed to mark undispatched job", "job_id", req.JobID, "error", uerr)
	}
	return fmt.Errorf("dispatch run: %w", err)
}

func sourceExt(req SubmitRequest) string {
	ext := strings.ToLower(path.Ext(req.Filename))
	switch {
	case req.Kind == processing.SourcePDF:
		return ".pdf"
	case ext == ".xml" || ext == ".musicxml" || ext == ".mxl":
		return ext
	default:
		return ".musicxml"
	}
}

func copyAssignments(in map[int]processing.Voice) map[int]processing.Voice {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]processing.Voice, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func hasPart(a *processing.Analysis, idx int) bool {
	for _, p := range a.Parts {
		if p.Index == idx {
			return true
		}
	}
	return false
}

func reasonOf(job *Job) Reason {
	if job.Error == nil {
		return ""
	}
	return job.Error.Reason
}
