// Package processing は外部の楽譜処理サービス（OMR / MusicXML解析 / MIDI生成）のクライアントです。
package processing

import "strings"

// Voice は合唱の声部です。
type Voice string

const (
	VoiceSoprano Voice = "soprano"
	VoiceAlto    Voice = "alto"
	VoiceTenor   Voice = "tenor"
	VoiceBass    Voice = "bass"
	VoiceOther   Voice = "other"

	// VoiceAll は全声部をまとめたMIDIのカテゴリ名です。
	VoiceAll Voice = "all"
)

var assignableVoices = []Voice{VoiceSoprano, VoiceAlto, VoiceTenor, VoiceBass, VoiceOther}

// ParseVoice はユーザー入力を声部に変換します。"all" は割り当て先として使えません。
func ParseVoice(s string) (Voice, bool) {
	normalized := Voice(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range assignableVoices {
		if normalized == v {
			return v, true
		}
	}
	return "", false
}

// SourceKind はアップロードされた楽譜の形式です。
type SourceKind string

const (
	SourcePDF      SourceKind = "pdf"
	SourceMusicXML SourceKind = "musicxml"
)

// SourceDocument は認識ステージに渡す原本です。
type SourceDocument struct {
	Kind     SourceKind
	Filename string
	Data     []byte
}

// Part は解析されたパート（譜表）の情報です。
type Part struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Clef          string `json:"clef"`
	PitchRange    []int  `json:"pitch_range,omitempty"` // [最低音, 最高音]（MIDIノート番号）
	DetectedVoice Voice  `json:"detected_voice"`
	NoteCount     int    `json:"note_count"`
}

// Analysis は楽譜の構造解析結果です。
type Analysis struct {
	Parts      []Part `json:"parts"`
	TotalParts int    `json:"total_parts"`
}

// DetectedAssignments は自動検出された声部をパート番号ごとに返します。
func (a *Analysis) DetectedAssignments() map[int]Voice {
	out := make(map[int]Voice, len(a.Parts))
	for _, p := range a.Parts {
		voice := p.DetectedVoice
		if _, ok := ParseVoice(string(voice)); !ok {
			voice = VoiceOther
		}
		out[p.Index] = voice
	}
	return out
}

// Document は認識ステージの結果です。
type Document struct {
	MusicXML []byte
	Analysis Analysis
}

// Health はヘルスチェックの結果です。
type Health struct {
	Status           string
	RecognitionReady bool // PDFのOMRが利用可能か
}
