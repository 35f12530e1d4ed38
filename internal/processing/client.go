package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

const (
	defaultHealthTimeout    = 2 * time.Second
	defaultRecognizeTimeout = 60 * time.Second
	defaultGenerateTimeout  = 60 * time.Second

	maxResponseBytes = 64 << 20
	maxErrorBytes    = 64 << 10
)

// Client は処理サービスのHTTPクライアントです。
// すべての呼び出しは呼び出し元のコンテキストから派生したタイムアウト付きコンテキストで行われ、
// タイムアウトやキャンセル時には通信そのものが中断されます。
type Client struct {
	baseURL          string
	http             *http.Client
	log              *logger.Logger
	schemas          *schemas
	healthTimeout    time.Duration
	recognizeTimeout time.Duration
	generateTimeout  time.Duration
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は利用する *http.Client を差し替えます。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeouts はヘルスチェック・認識・生成それぞれのタイムアウトを設定します。0 の場合は既定値のままです。
func WithTimeouts(health, recognize, generate time.Duration) Option {
	return func(c *Client) {
		if health > 0 {
			c.healthTimeout = health
		}
		if recognize > 0 {
			c.recognizeTimeout = recognize
		}
		if generate > 0 {
			c.generateTimeout = generate
		}
	}
}

// New は baseURL の処理サービスに接続する Client を作成します。
func New(baseURL string, log *logger.Logger, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: baseURL,
		// タイムアウトは呼び出し単位のコンテキストで管理する
		http:             &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		log:              log.With("component", "ProcessingClient"),
		schemas:          compiled,
		healthTimeout:    defaultHealthTimeout,
		recognizeTimeout: defaultRecognizeTimeout,
		generateTimeout:  defaultGenerateTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Health は短いタイムアウトでサービスの稼働状況を確認します。
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	var body struct {
		Status           string `json:"status"`
		GeminiConfigured bool   `json:"gemini_configured"`
	}
	if err := c.do(ctx, "health", c.healthTimeout, req, c.schemas.health, &body); err != nil {
		return nil, err
	}
	if !strings.EqualFold(body.Status, "healthy") {
		return nil, &Error{Kind: KindRejected, Op: "health", Detail: "service reported status " + strconv.Quote(body.Status)}
	}
	return &Health{Status: body.Status, RecognitionReady: body.GeminiConfigured}, nil
}

// Recognize は原本を処理サービスに送り、MusicXMLと構造解析結果を受け取ります。
// PDFはOMR、MusicXMLは解析のみが行われます。
func (c *Client) Recognize(ctx context.Context, src SourceDocument) (*Document, error) {
	var endpoint string
	switch src.Kind {
	case SourcePDF:
		endpoint = "/api/process-pdf"
	case SourceMusicXML:
		endpoint = "/api/process-musicxml"
	default:
		return nil, fmt.Errorf("unsupported source kind: %q", src.Kind)
	}
	if len(src.Data) == 0 {
		return nil, fmt.Errorf("source document is empty")
	}

	filename := uploadFilename(src.Kind, src.Filename)

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(src.Data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+endpoint, buf)
	if err != nil {
		return nil, fmt.Errorf("build recognize request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var body struct {
		MusicXML string   `json:"musicxml"`
		Analysis Analysis `json:"analysis"`
	}
	if err := c.do(ctx, "recognize", c.recognizeTimeout, req, c.schemas.recognize, &body); err != nil {
		return nil, err
	}
	if body.Analysis.TotalParts == 0 {
		body.Analysis.TotalParts = len(body.Analysis.Parts)
	}
	return &Document{MusicXML: []byte(body.MusicXML), Analysis: body.Analysis}, nil
}

// uploadFilename は処理サービスに送るファイル名を返します。
// 処理サービスは小文字の拡張子で形式を判定するため、拡張子は判定済みの形式に合わせます。
func uploadFilename(kind SourceKind, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" || stem == "." || stem == "/" {
		stem = "score"
	}
	switch lower := strings.ToLower(ext); {
	case kind == SourcePDF:
		return stem + ".pdf"
	case lower == ".xml" || lower == ".musicxml" || lower == ".mxl":
		return stem + lower
	default:
		return stem + ".musicxml"
	}
}

// Generate は声部割り当てに従って声部ごとのMIDIを生成します。
// 返り値のキーは声部名（soprano 等）と全声部をまとめた "all" です。
func (c *Client) Generate(ctx context.Context, musicXML []byte, assignments map[int]Voice) (map[Voice][]byte, error) {
	if len(musicXML) == 0 {
		return nil, fmt.Errorf("musicxml is empty")
	}

	wire := make(map[string]string, len(assignments))
	for idx, v := range assignments {
		wire[strconv.Itoa(idx)] = string(v)
	}
	assignmentsJSON, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode voice assignments: %w", err)
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if err := mw.WriteField("musicxml", string(musicXML)); err != nil {
		return nil, fmt.Errorf("write musicxml field: %w", err)
	}
	if err := mw.WriteField("voice_assignments", string(assignmentsJSON)); err != nil {
		return nil, fmt.Errorf("write voice_assignments field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/generate-midi", buf)
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var body struct {
		MidiFiles map[string]string `json:"midi_files"`
	}
	if err := c.do(ctx, "generate", c.generateTimeout, req, c.schemas.generate, &body); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(body.MidiFiles))
	for name := range body.MidiFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[Voice][]byte, len(names))
	for _, name := range names {
		data, err := base64.StdEncoding.DecodeString(body.MidiFiles[name])
		if err != nil {
			return nil, &Error{Kind: KindInvalidResponse, Op: "generate", Detail: "midi for " + name + " is not valid base64", Err: err}
		}
		out[Voice(name)] = data
	}
	return out, nil
}

// do はタイムアウト付きでリクエストを送り、応答をスキーマ検証してデコードします。
func (c *Client) do(ctx context.Context, op string, timeout time.Duration, req *http.Request, schema *jsonschema.Schema, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqID := uuid.NewString()
	req = req.WithContext(callCtx)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", reqID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		perr := classify(ctx, op, err)
		c.log.Warn("processing request failed",
			"op", op,
			"req_id", reqID,
			"kind", perr.Kind,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return perr
	}
	defer resp.Body.Close()

	limit := int64(maxResponseBytes)
	if resp.StatusCode/100 != 2 {
		limit = maxErrorBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return classify(ctx, op, err)
	}

	c.log.Debug("processing response",
		"op", op,
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return &Error{Kind: KindRejected, Op: op, Status: resp.StatusCode, Detail: errorDetail(raw, resp.Status)}
	}
	return decodeValidated(op, schema, raw, out)
}

// errorDetail は FastAPI 形式 {"detail": ...} のエラーメッセージを取り出します。
func errorDetail(raw []byte, fallback string) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		switch d := body.Detail.(type) {
		case string:
			return d
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fallback
	}
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}
