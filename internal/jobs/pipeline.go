package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
	"github.com/alexpierre9/choir-voice-player/internal/processing"
	"github.com/alexpierre9/choir-voice-player/internal/storage"
)

const tracerName = "github.com/alexpierre9/choir-voice-player/internal/jobs"

// 状態表示（ユーザーに表示されます）
const (
	detailQueued      = "処理待ちです"
	detailStarting    = "処理を開始しています…"
	detailRecognizing = "楽譜を読み取っています…"
	detailAnalyzing   = "楽譜の構造を解析しています…"
	detailGenerating  = "声部ごとのMIDIを生成しています…"
	detailReady       = "完了しました"
)

const maxCommitAttempts = 5

// RunMode はランの開始位置です。
type RunMode string

const (
	// RunFull は原本の読み取りからやり直します（アップロード・再試行）。
	RunFull RunMode = "full"
	// RunRegenerate は読み取り済みの楽譜を再利用し、声部割り当てからやり直します。
	RunRegenerate RunMode = "regenerate"
)

// RunRequest はパイプラインの1回の実行要求です。Fingerprint は要求時点の値です。
type RunRequest struct {
	JobID       string      `json:"jobId"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Mode        RunMode     `json:"mode"`
}

// Outcome はランの結果です。
type Outcome string

const (
	OutcomeReady  Outcome = "ready"
	OutcomeFailed Outcome = "failed"
	// OutcomeSuperseded は新しい要求に置き換えられ、結果を破棄したことを表します。エラーではありません。
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeSkipped はジョブが実行対象の状態ではなかったことを表します。
	OutcomeSkipped Outcome = "skipped"
)

// ProcessingService はパイプラインが使う処理サービスの操作です。
type ProcessingService interface {
	Health(ctx context.Context) (*processing.Health, error)
	Recognize(ctx context.Context, src processing.SourceDocument) (*processing.Document, error)
	Generate(ctx context.Context, musicXML []byte, assignments map[int]processing.Voice) (map[processing.Voice][]byte, error)
}

// Pipeline はジョブを submitted から ready / failed まで進めます。
// 同じジョブのランは Serializer により同時に1つしか実行されない前提です。
type Pipeline struct {
	repo   Repository
	blobs  storage.Store
	proc   ProcessingService
	guard  *Guard
	log    *logger.Logger
	tracer trace.Tracer
}

// NewPipeline は Pipeline を作成します。
func NewPipeline(repo Repository, blobs storage.Store, proc ProcessingService, log *logger.Logger) (*Pipeline, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	if proc == nil {
		return nil, errors.New("processing service is nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		repo:   repo,
		blobs:  blobs,
		proc:   proc,
		guard:  NewGuard(repo),
		log:    log.With("component", "Pipeline"),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Run は1回のランを実行します。
// 依存サービスの失敗はジョブの failed として記録され、エラーとしては返りません。
// エラーが返るのはリポジトリやBlobストアの障害、呼び出し元のキャンセルの場合で、
// そのときジョブは processing のまま残り、スイーパーが回収します。
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("run.mode", string(req.Mode)),
	))
	defer span.End()

	r := &run{
		p:         p,
		req:       req,
		log:       p.log.With("job_id", req.JobID, "fp", req.Fingerprint.Short(), "mode", req.Mode),
		committed: make(map[string]bool),
	}
	start := time.Now()
	outcome, err := r.execute(ctx)
	if outcome != OutcomeReady {
		r.discardUncommitted(ctx)
	}

	span.SetAttributes(attribute.String("run.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("run aborted", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return outcome, err
	}
	switch outcome {
	case OutcomeSuperseded:
		r.log.Info("run superseded, result discarded", "elapsed_ms", time.Since(start).Milliseconds())
	case OutcomeSkipped:
		r.log.Debug("run skipped")
	default:
		r.log.Info("run finished", "outcome", outcome, "elapsed_ms", time.Since(start).Milliseconds())
	}
	return outcome, nil
}

// run は1回のランの状態です。ランを実行するゴルーチンだけが触ります。
type run struct {
	p   *Pipeline
	req RunRequest
	log *logger.Logger

	written   []string
	committed map[string]bool
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	// 受付
	job, ok, err := r.p.guard.Confirm(ctx, r.req.JobID, r.req.Fingerprint)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeSuperseded, nil
	}
	if job.Status != StatusSubmitted && job.Status != StatusProcessing {
		return OutcomeSkipped, nil
	}

	needRecognize := r.req.Mode != RunRegenerate || job.Analysis == nil
	if _, ok := job.Artifact(StageRecognize, ArtifactMusicXML); !ok {
		needRecognize = true
	}
	redo := []Stage{StageAnalyze, StageGenerate}
	if needRecognize {
		redo = append(redo, StageRecognize)
	}
	ok, err = r.commit(ctx, Patch{
		Status:       statusPtr(StatusProcessing),
		StatusDetail: stringPtr(detailStarting),
		ClearError:   true,
		ClearStages:  redo,
	}, StatusSubmitted, StatusProcessing)
	if err != nil || !ok {
		return OutcomeSuperseded, err
	}

	// 入力検証（外部呼び出しの前）
	if msg := validateInput(job); msg != "" {
		return r.fail(ctx, ReasonInputInvalid, msg)
	}

	// ヘルスチェック
	health, err := r.health(ctx)
	if err != nil {
		return r.failFromDependency(ctx, err, "処理サービスを利用できません")
	}
	if job.Source.Kind == processing.SourcePDF && !health.RecognitionReady {
		return r.fail(ctx, ReasonDependencyRejected, "処理サービスでPDFの読み取り（OMR）が設定されていません。MusicXMLをアップロードしてください")
	}

	// 読み取り
	var musicXML []byte
	analysis := job.Analysis
	if !needRecognize {
		key, _ := job.Artifact(StageRecognize, ArtifactMusicXML)
		musicXML, err = r.p.blobs.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			needRecognize = true
		} else if err != nil {
			return "", fmt.Errorf("read musicxml: %w", err)
		}
	}
	if needRecognize {
		doc, outcome, err := r.recognize(ctx, job.Source)
		if err != nil || outcome != "" {
			return outcome, err
		}
		musicXML = doc.MusicXML
		analysis = &doc.Analysis
	}

	// 解析（自動検出した声部に明示的な割り当てを重ねる）
	assignments, msg := mergeAssignments(analysis, job.VoiceAssignments)
	if msg != "" {
		return r.fail(ctx, ReasonInputInvalid, msg)
	}
	assignmentsJSON, err := json.Marshal(assignments)
	if err != nil {
		return "", err
	}
	assignmentsKey, err := r.put(ctx, StageAnalyze, ArtifactAssignments, ".json", assignmentsJSON)
	if err != nil {
		return "", err
	}
	ok, err = r.commit(ctx, Patch{
		StatusDetail: stringPtr(detailGenerating),
		SetArtifacts: map[Stage]map[string]string{StageAnalyze: {ArtifactAssignments: assignmentsKey}},
	}, StatusProcessing)
	if err != nil || !ok {
		return OutcomeSuperseded, err
	}

	// 生成
	return r.generate(ctx, musicXML, assignments)
}

func (r *run) health(ctx context.Context) (*processing.Health, error) {
	ctx, span := r.p.tracer.Start(ctx, "stage.health")
	defer span.End()
	h, err := r.p.proc.Health(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return h, err
}

// recognize は読み取りステージを実行します。outcome が空でなければランはそこで終わりです。
func (r *run) recognize(ctx context.Context, src Source) (*processing.Document, Outcome, error) {
	ctx, span := r.p.tracer.Start(ctx, "stage.recognize", trace.WithAttributes(attribute.String("source.kind", string(src.Kind))))
	defer span.End()

	// 読み直す前に既存の読み取り結果を外す。成果物のキーは内容で決まるため、
	// このランが書いたキーがジョブの参照中のキーと一致し、破棄時に消されることがある
	ok, err := r.commit(ctx, Patch{
		StatusDetail: stringPtr(detailRecognizing),
		ClearStages:  []Stage{StageRecognize},
	}, StatusProcessing)
	if err != nil || !ok {
		return nil, OutcomeSuperseded, err
	}

	data, err := r.p.blobs.Get(ctx, src.Key)
	if errors.Is(err, storage.ErrNotFound) {
		outcome, err := r.fail(ctx, ReasonInternal, "アップロードされた楽譜ファイルが見つかりません。もう一度アップロードしてください")
		return nil, outcome, err
	}
	if err != nil {
		return nil, "", fmt.Errorf("read source: %w", err)
	}

	doc, err := r.p.proc.Recognize(ctx, processing.SourceDocument{Kind: src.Kind, Filename: src.Filename, Data: data})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		outcome, err := r.failFromDependency(ctx, err, "楽譜の読み取りに失敗しました")
		return nil, outcome, err
	}
	if len(doc.Analysis.Parts) == 0 {
		outcome, err := r.fail(ctx, ReasonDependencyRejected, "楽譜からパートを検出できませんでした")
		return nil, outcome, err
	}

	if wanted, err := r.p.guard.StillWanted(ctx, r.req.JobID, r.req.Fingerprint); err != nil || !wanted {
		return nil, OutcomeSuperseded, err
	}

	xmlKey, err := r.put(ctx, StageRecognize, ArtifactMusicXML, ".musicxml", doc.MusicXML)
	if err != nil {
		return nil, "", err
	}
	analysisJSON, err := json.Marshal(doc.Analysis)
	if err != nil {
		return nil, "", err
	}
	analysisKey, err := r.put(ctx, StageRecognize, ArtifactAnalysis, ".json", analysisJSON)
	if err != nil {
		return nil, "", err
	}

	ok, err = r.commit(ctx, Patch{
		StatusDetail: stringPtr(detailAnalyzing),
		Analysis:     &doc.Analysis,
		SetArtifacts: map[Stage]map[string]string{StageRecognize: {
			ArtifactMusicXML: xmlKey,
			ArtifactAnalysis: analysisKey,
		}},
	}, StatusProcessing)
	if err != nil || !ok {
		return nil, OutcomeSuperseded, err
	}
	return doc, "", nil
}

func (r *run) generate(ctx context.Context, musicXML []byte, assignments map[int]processing.Voice) (Outcome, error) {
	ctx, span := r.p.tracer.Start(ctx, "stage.generate", trace.WithAttributes(attribute.Int("parts", len(assignments))))
	defer span.End()

	files, err := r.p.proc.Generate(ctx, musicXML, assignments)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return r.failFromDependency(ctx, err, "MIDIの生成に失敗しました")
	}
	if len(files) == 0 {
		return r.fail(ctx, ReasonDependencyRejected, "MIDIが1つも生成されませんでした")
	}

	if wanted, err := r.p.guard.StillWanted(ctx, r.req.JobID, r.req.Fingerprint); err != nil || !wanted {
		return OutcomeSuperseded, err
	}

	voices := make([]string, 0, len(files))
	for v := range files {
		voices = append(voices, string(v))
	}
	sort.Strings(voices)

	// 1つでも書き込めなければステージ全体を失敗とする
	artifacts := make(map[string]string, len(voices))
	for _, v := range voices {
		key, err := r.put(ctx, StageGenerate, v, ".mid", files[processing.Voice(v)])
		if err != nil {
			return "", err
		}
		artifacts[v] = key
	}

	ok, err := r.commit(ctx, Patch{
		Status:       statusPtr(StatusReady),
		StatusDetail: stringPtr(detailReady),
		ClearError:   true,
		SetArtifacts: map[Stage]map[string]string{StageGenerate: artifacts},
	}, StatusProcessing)
	if err != nil || !ok {
		return OutcomeSuperseded, err
	}
	span.SetAttributes(attribute.Int("artifacts", len(artifacts)))
	return OutcomeReady, nil
}

// commit は Fingerprint が一致し、ジョブが allowed のいずれかの状態である間だけ patch を書き込みます。
// 判定に使ったスナップショットの UpdatedAt で条件付き更新するため、判定後に別の更新が入った場合は読み直します。
// false は結果が不要になったことを表します。
func (r *run) commit(ctx context.Context, patch Patch, allowed ...Status) (bool, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		job, ok, err := r.p.guard.Confirm(ctx, r.req.JobID, r.req.Fingerprint)
		if err != nil || !ok {
			return false, err
		}
		if !statusIn(job.Status, allowed) {
			r.log.Info("job left the expected state", "status", job.Status)
			return false, nil
		}
		expected := job.UpdatedAt
		_, err = r.p.repo.Update(ctx, r.req.JobID, patch, &expected)
		switch {
		case errors.Is(err, ErrConditionFailed):
			continue
		case errors.Is(err, ErrNotFound):
			return false, nil
		case err != nil:
			return false, err
		}
		for _, key := range r.written {
			r.committed[key] = true
		}
		return true, nil
	}
	return false, fmt.Errorf("commit job %s: too many concurrent modifications", r.req.JobID)
}

// fail はジョブを failed にします。新しい要求に置き換えられていた場合は何もしません。
func (r *run) fail(ctx context.Context, reason Reason, message string) (Outcome, error) {
	ok, err := r.commit(ctx, failedPatch(reason, message), StatusProcessing)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeSuperseded, nil
	}
	r.log.Warn("job failed", "reason", reason, "message", message)
	return OutcomeFailed, nil
}

// failFromDependency は処理サービスのエラーを分類して失敗として記録します。
// 呼び出し元のキャンセルは失敗として記録せずエラーを返します。
func (r *run) failFromDependency(ctx context.Context, err error, prefix string) (Outcome, error) {
	kind := processing.KindOf(err)
	if kind == processing.KindCanceled || (kind == "" && ctx.Err() != nil) {
		return "", fmt.Errorf("run interrupted: %w", err)
	}
	reason := reasonFor(kind)
	message := prefix
	var perr *processing.Error
	if errors.As(err, &perr) && perr.Detail != "" && (kind == processing.KindRejected || kind == processing.KindInvalidResponse) {
		message = prefix + ": " + perr.Detail
	} else if kind == processing.KindUnreachable {
		message = prefix + ": 処理サービスに接続できません"
	} else if kind == processing.KindTimeout {
		message = prefix + ": 処理サービスの応答が時間内に返りませんでした"
	}
	return r.fail(ctx, reason, message)
}

// put は成果物を書き込み、ランが書いたキーとして記録します。
func (r *run) put(ctx context.Context, stage Stage, name, ext string, data []byte) (string, error) {
	prefix := fmt.Sprintf("jobs/%s/%s", r.req.JobID, stage)
	key, err := r.p.blobs.Put(ctx, storage.ContentKey(prefix, name, ext, data), data)
	if err != nil {
		return "", fmt.Errorf("write %s/%s: %w", stage, name, err)
	}
	r.written = append(r.written, key)
	return key, nil
}

// discardUncommitted はジョブに記録されなかった成果物を削除します。
func (r *run) discardUncommitted(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range r.written {
		if r.committed[key] {
			continue
		}
		if err := r.p.blobs.Delete(ctx, key); err != nil {
			r.log.Warn("failed to delete discarded artifact", "key", key, "error", err)
		}
	}
}

// failedPatch は失敗への遷移です。パイプラインとスイーパーで共通です。
func failedPatch(reason Reason, message string) Patch {
	return Patch{
		Status:       statusPtr(StatusFailed),
		StatusDetail: stringPtr(message),
		Error:        &ErrorInfo{Reason: reason, Message: message},
		ClearStages:  []Stage{StageGenerate},
	}
}

func reasonFor(kind processing.Kind) Reason {
	switch kind {
	case processing.KindUnreachable:
		return ReasonDependencyUnreachable
	case processing.KindTimeout:
		return ReasonDependencyTimeout
	case processing.KindRejected, processing.KindInvalidResponse:
		return ReasonDependencyRejected
	default:
		return ReasonInternal
	}
}

func validateInput(job *Job) string {
	if job.Source.Key == "" {
		return "楽譜ファイルが登録されていません"
	}
	if job.Source.Kind != processing.SourcePDF && job.Source.Kind != processing.SourceMusicXML {
		return fmt.Sprintf("対応していないファイル形式です: %s", job.Source.Kind)
	}
	return validateAssignments(job.VoiceAssignments)
}

func validateAssignments(assignments map[int]processing.Voice) string {
	for idx, v := range assignments {
		if idx < 0 {
			return fmt.Sprintf("パート番号が不正です: %d", idx)
		}
		if _, ok := processing.ParseVoice(string(v)); !ok {
			return fmt.Sprintf("不明な声部です: %s", v)
		}
	}
	return ""
}

// mergeAssignments は自動検出の結果に明示的な割り当てを上書きします。
func mergeAssignments(analysis *processing.Analysis, explicit map[int]processing.Voice) (map[int]processing.Voice, string) {
	merged := map[int]processing.Voice{}
	if analysis != nil {
		merged = analysis.DetectedAssignments()
	}
	for idx, v := range explicit {
		if _, ok := merged[idx]; !ok {
			return nil, fmt.Sprintf("パート番号 %d は楽譜に存在しません", idx)
		}
		merged[idx] = v
	}
	return merged, ""
}

func statusIn(s Status, allowed []Status) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
