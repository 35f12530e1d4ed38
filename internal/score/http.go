package score

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alexpierre9/choir-voice-player/internal/auth"
	"github.com/alexpierre9/choir-voice-player/internal/jobs"
	"github.com/alexpierre9/choir-voice-player/internal/logger"
	"github.com/alexpierre9/choir-voice-player/internal/processing"
)

// Service は楽譜ジョブの操作を提供します。jobs.Manager が実装します。
type Service interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	UpdateAssignments(ctx context.Context, id string, assignments map[int]processing.Voice) (*jobs.Job, error)
	Retry(ctx context.Context, id string) (*jobs.Job, error)
	ReadArtifact(ctx context.Context, id string, voice processing.Voice) ([]byte, error)
}

// Handler は /api/scores 以下のハンドラーをまとめます。
type Handler struct {
	svc       Service
	inspector *Inspector
	log       *logger.Logger
}

// NewHandler はハンドラーを作成します。
func NewHandler(svc Service, inspector *Inspector, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	if inspector == nil {
		inspector = &Inspector{}
	}
	return &Handler{svc: svc, inspector: inspector, log: log.With("component", "ScoreHandler")}
}

// Register はルートを登録します。認証と CSRF 検証は呼び出し側のグループで行います。
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/scores", h.Upload)
	r.GET("/scores/:id", h.Status)
	r.PUT("/scores/:id/voices", h.UpdateVoices)
	r.POST("/scores/:id/retry", h.Retry)
	r.GET("/scores/:id/midi/:voice", h.DownloadMIDI)
}

// jobView は利用者に返すジョブの表現です。Blob のキーや所有者は含めません。
type jobView struct {
	ID               string                   `json:"id"`
	Status           jobs.Status              `json:"status"`
	StatusDetail     string                   `json:"statusDetail"`
	Filename         string                   `json:"filename"`
	Kind             processing.SourceKind    `json:"kind"`
	Pages            int                      `json:"pages,omitempty"`
	VoiceAssignments map[int]processing.Voice `json:"voiceAssignments"`
	Analysis         *processing.Analysis     `json:"analysis,omitempty"`
	Voices           []processing.Voice       `json:"voices"`
	Error            *errorView               `json:"error,omitempty"`
	CreatedAt        time.Time                `json:"createdAt"`
	UpdatedAt        time.Time                `json:"updatedAt"`
}

type errorView struct {
	Reason    jobs.Reason `json:"reason"`
	Message   string      `json:"message"`
	Retriable bool        `json:"retriable"`
}

func newJobView(job *jobs.Job) jobView {
	view := jobView{
		ID:               job.ID,
		Status:           job.Status,
		StatusDetail:     job.StatusDetail,
		Filename:         job.Source.Filename,
		Kind:             job.Source.Kind,
		Pages:            job.Source.Pages,
		VoiceAssignments: job.VoiceAssignments,
		Analysis:         job.Analysis,
		Voices:           []processing.Voice{},
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
	if view.VoiceAssignments == nil {
		view.VoiceAssignments = map[int]processing.Voice{}
	}
	if job.Status == jobs.StatusReady {
		for name := range job.StageArtifacts[jobs.StageGenerate] {
			view.Voices = append(view.Voices, processing.Voice(name))
		}
		sort.Slice(view.Voices, func(i, j int) bool { return view.Voices[i] < view.Voices[j] })
	}
	if job.Error != nil {
		view.Error = &errorView{
			Reason:    job.Error.Reason,
			Message:   job.Error.Message,
			Retriable: job.Error.Reason.Retriable(),
		}
	}
	return view
}

// Upload は POST /api/scores のハンドラーです。
// フォーム項目 file に楽譜、任意の voices に {"0":"soprano"} 形式の割り当てを受け取ります。
func (h *Handler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		respondWithError(c, h.log, newError("INVALID_INPUT", "multipart/form-data の file 項目で楽譜を送信してください。", err))
		return
	}
	if h.inspector.MaxFileSize > 0 && header.Size > h.inspector.MaxFileSize {
		respondWithError(c, h.log, newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズは %d MB までです。", h.inspector.MaxFileSize/(1024*1024)), nil))
		return
	}

	assignments, err := parseVoiceForm(c.PostForm("voices"))
	if err != nil {
		respondWithError(c, h.log, err)
		return
	}

	file, err := header.Open()
	if err != nil {
		respondWithError(c, h.log, fmt.Errorf("open upload: %w", err))
		return
	}
	data, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		respondWithError(c, h.log, fmt.Errorf("read upload: %w", err))
		return
	}

	upload, err := h.inspector.Inspect(header.Filename, data)
	if err != nil {
		respondWithError(c, h.log, err)
		return
	}

	job, err := h.svc.Submit(c.Request.Context(), jobs.SubmitRequest{
		OwnerKey:         auth.OwnerKey(c),
		Filename:         upload.Filename,
		Kind:             upload.Kind,
		Pages:            upload.Pages,
		Data:             upload.Data,
		VoiceAssignments: assignments,
	})
	if err != nil {
		respondWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
}

// Status は GET /api/scores/:id のハンドラーです。
func (h *Handler) Status(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, newJobView(job))
}

type voicesRequest struct {
	Voices map[string]string `json:"voices"`
}

// UpdateVoices は PUT /api/scores/:id/voices のハンドラーです。
func (h *Handler) UpdateVoices(c *gin.Context) {
	var req voicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, h.log, newError("INVALID_INPUT", `{"voices":{"0":"soprano"}} の形式で送信してください。`, err))
		return
	}
	assignments, err := parseVoices(req.Voices)
	if err != nil {
		respondWithError(c, h.log, err)
		return
	}
	if _, ok := h.ownedJob(c); !ok {
		return
	}

	job, err := h.svc.UpdateAssignments(c.Request.Context(), c.Param("id"), assignments)
	if err != nil {
		respondWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, newJobView(job))
}

// Retry は POST /api/scores/:id/retry のハンドラーです。failed 以外は 409 を返します。
func (h *Handler) Retry(c *gin.Context) {
	if _, ok := h.ownedJob(c); !ok {
		return
	}
	job, err := h.svc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, newJobView(job))
}

// DownloadMIDI は GET /api/scores/:id/midi/:voice のハンドラーです。
func (h *Handler) DownloadMIDI(c *gin.Context) {
	voice, ok := processing.ParseVoice(c.Param("voice"))
	if !ok && strings.EqualFold(c.Param("voice"), string(processing.VoiceAll)) {
		voice, ok = processing.VoiceAll, true
	}
	if !ok {
		respondWithError(c, h.log, newError("INVALID_INPUT", "声部は soprano / alto / tenor / bass / other / all のいずれかです。", nil))
		return
	}
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	data, err := h.svc.ReadArtifact(c.Request.Context(), job.ID, voice)
	if err != nil {
		respondWithError(c, h.log, err)
		return
	}

	filename := midiFilename(job.Source.Filename, voice)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", job.ID)
	c.Data(http.StatusOK, "audio/midi", data)
}

// ownedJob は :id のジョブを取得します。他の利用者のジョブは存在しないものとして扱います。
func (h *Handler) ownedJob(c *gin.Context) (*jobs.Job, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		respondWithError(c, h.log, jobs.ErrNotFound)
		return nil, false
	}
	job, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, h.log, err)
		return nil, false
	}
	if job.OwnerKey != auth.OwnerKey(c) {
		respondWithError(c, h.log, jobs.ErrNotFound)
		return nil, false
	}
	return job, true
}

func parseVoiceForm(raw string) (map[int]processing.Voice, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var voices map[string]string
	if err := json.Unmarshal([]byte(raw), &voices); err != nil {
		return nil, newError("INVALID_INPUT", `voices は {"0":"soprano"} 形式の JSON で指定してください。`, err)
	}
	return parseVoices(voices)
}

func parseVoices(raw map[string]string) (map[int]processing.Voice, error) {
	out := make(map[int]processing.Voice, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || idx < 0 {
			return nil, newError("INVALID_INPUT", fmt.Sprintf("パート番号 %q は 0 以上の整数で指定してください。", k), err)
		}
		voice, ok := processing.ParseVoice(v)
		if !ok {
			return nil, newError("INVALID_INPUT", fmt.Sprintf("声部 %q は指定できません。", v), nil)
		}
		out[idx] = voice
	}
	return out, nil
}

func midiFilename(source string, voice processing.Voice) string {
	base := strings.TrimSuffix(source, path.Ext(source))
	if base == "" {
		base = "score"
	}
	return fmt.Sprintf("%s-%s.mid", base, voice)
}
