package jobs

import (
	"time"

	"github.com/alexpierre9/choir-voice-player/internal/processing"
)

// Status はジョブの状態を表します。
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Stage はパイプラインのステージ名です。StageArtifacts のキーとして使います。
type Stage string

const (
	StageRecognize Stage = "recognize"
	StageAnalyze   Stage = "analyze"
	StageGenerate  Stage = "generate"
)

// 成果物名
const (
	ArtifactMusicXML    = "musicxml"
	ArtifactAnalysis    = "analysis"
	ArtifactAssignments = "assignments"
)

// Reason はジョブ失敗の分類です。
type Reason string

const (
	ReasonInputInvalid          Reason = "INPUT_INVALID"
	ReasonDependencyUnreachable Reason = "DEPENDENCY_UNREACHABLE"
	ReasonDependencyTimeout     Reason = "DEPENDENCY_TIMEOUT"
	ReasonDependencyRejected    Reason = "DEPENDENCY_REJECTED"
	// ReasonTimeoutSwept はスイーパーが放置されたジョブを失敗させた場合です。再試行の扱いは DEPENDENCY_TIMEOUT と同じです。
	ReasonTimeoutSwept Reason = "TIMEOUT_SWEPT"
	ReasonInternal     Reason = "INTERNAL"
)

// Retriable は時間をおいて同じ入力で再試行する意味があるかを返します。
func (r Reason) Retriable() bool {
	switch r {
	case ReasonDependencyUnreachable, ReasonDependencyTimeout, ReasonTimeoutSwept, ReasonInternal:
		return true
	default:
		return false
	}
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// Source はアップロードされた原本への参照です。
type Source struct {
	Key      string                `json:"key"`
	Kind     processing.SourceKind `json:"kind"`
	Filename string                `json:"filename"`
	Size     int64                 `json:"size"`
	Pages    int                   `json:"pages,omitempty"`
}

// Job はアップロードされた楽譜1件の処理状態です。
type Job struct {
	ID               string                      `json:"id"`
	OwnerKey         string                      `json:"ownerKey"`
	Status           Status                      `json:"status"`
	StatusDetail     string                      `json:"statusDetail"`
	Fingerprint      Fingerprint                 `json:"fingerprint"`
	Source           Source                      `json:"source"`
	VoiceAssignments map[int]processing.Voice    `json:"voiceAssignments,omitempty"`
	Analysis         *processing.Analysis        `json:"analysis,omitempty"`
	StageArtifacts   map[Stage]map[string]string `json:"stageArtifacts,omitempty"`
	Error            *ErrorInfo                  `json:"error,omitempty"`
	CreatedAt        time.Time                   `json:"createdAt"`
	UpdatedAt        time.Time                   `json:"updatedAt"`
}

// Artifact は stage の成果物 name のBlobキーを返します。
func (j *Job) Artifact(stage Stage, name string) (string, bool) {
	key, ok := j.StageArtifacts[stage][name]
	return key, ok && key != ""
}

// Clone はジョブのディープコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.VoiceAssignments != nil {
		out.VoiceAssignments = make(map[int]processing.Voice, len(j.VoiceAssignments))
		for k, v := range j.VoiceAssignments {
			out.VoiceAssignments[k] = v
		}
	}
	if j.Analysis != nil {
		a := *j.Analysis
		a.Parts = make([]processing.Part, len(j.Analysis.Parts))
		for i, p := range j.Analysis.Parts {
			if p.PitchRange != nil {
				p.PitchRange = append([]int(nil), p.PitchRange...)
			}
			a.Parts[i] = p
		}
		out.Analysis = &a
	}
	if j.StageArtifacts != nil {
		out.StageArtifacts = make(map[Stage]map[string]string, len(j.StageArtifacts))
		for stage, artifacts := range j.StageArtifacts {
			inner := make(map[string]string, len(artifacts))
			for k, v := range artifacts {
				inner[k] = v
			}
			out.StageArtifacts[stage] = inner
		}
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

// Patch は Repository.Update に渡す部分更新です。nil / ゼロ値のフィールドは変更しません。
type Patch struct {
	Status       *Status
	StatusDetail *string
	Fingerprint  *Fingerprint

	// VoiceAssignments は nil でなければ置き換えます（空マップで全解除）。
	VoiceAssignments map[int]processing.Voice
	Analysis         *processing.Analysis

	ClearError bool
	Error      *ErrorInfo

	// ClearStages の成果物を消してから SetArtifacts を書き込みます。
	ClearStages  []Stage
	SetArtifacts map[Stage]map[string]string
}

// Apply は job に変更を適用し、UpdatedAt を now に更新します。
// すべてのリポジトリ実装はこのメソッドで更新内容を決めます。
func (p Patch) Apply(job *Job, now time.Time) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.StatusDetail != nil {
		job.StatusDetail = *p.StatusDetail
	}
	if p.Fingerprint != nil {
		job.Fingerprint = *p.Fingerprint
	}
	if p.VoiceAssignments != nil {
		job.VoiceAssignments = make(map[int]processing.Voice, len(p.VoiceAssignments))
		for k, v := range p.VoiceAssignments {
			job.VoiceAssignments[k] = v
		}
	}
	if p.Analysis != nil {
		a := *p.Analysis
		job.Analysis = &a
	}
	if p.ClearError {
		job.Error = nil
	}
	if p.Error != nil {
		e := *p.Error
		job.Error = &e
	}
	for _, stage := range p.ClearStages {
		delete(job.StageArtifacts, stage)
	}
	for stage, artifacts := range p.SetArtifacts {
		if len(artifacts) == 0 {
			continue
		}
		if job.StageArtifacts == nil {
			job.StageArtifacts = make(map[Stage]map[string]string)
		}
		inner := make(map[string]string, len(artifacts))
		for k, v := range artifacts {
			inner[k] = v
		}
		job.StageArtifacts[stage] = inner
	}
	if len(job.StageArtifacts) == 0 {
		job.StageArtifacts = nil
	}
	job.UpdatedAt = Timestamp(now)
}

// Timestamp は保存に使う時刻の精度（マイクロ秒・UTC）に揃えます。
// どのバックエンドでも UpdatedAt が往復で一致し、楽観ロックの比較に使えるようにします。
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func statusPtr(s Status) *Status { return &s }

func stringPtr(s string) *string { return &s }
