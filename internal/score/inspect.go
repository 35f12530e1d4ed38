package score

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/alexpierre9/choir-voice-player/internal/processing"
)

func init() {
	// ページ数を数えるだけなので pdfcpu の設定ディレクトリは作らない
	pdfapi.DisableConfigDir()
}

// Upload は検査済みのアップロードファイルです。
type Upload struct {
	Filename string
	Kind     processing.SourceKind
	Pages    int
	Data     []byte
}

// Inspector はアップロードの形式とサイズ制限を検査します。
type Inspector struct {
	MaxFileSize int64
	MaxPages    int
}

// Inspect は内容から形式を判定し、PDFであればページ数を数えます。
// 拡張子は MusicXML の圧縮形式 (.mxl) の判定にだけ使います。
func (i *Inspector) Inspect(filename string, data []byte) (*Upload, error) {
	if len(data) == 0 {
		return nil, newError("INVALID_INPUT", "ファイルが空です。", nil)
	}
	if i.MaxFileSize > 0 && int64(len(data)) > i.MaxFileSize {
		return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズは %d MB までです。", i.MaxFileSize/(1024*1024)), nil)
	}

	up := &Upload{Filename: path.Base(strings.ReplaceAll(filename, "\\", "/")), Data: data}
	mt := mimetype.Detect(data)
	switch {
	case isMIME(mt, "application/pdf"):
		pages, err := countPages(data)
		if err != nil {
			return nil, newError("UNSUPPORTED_FILE", "PDFを読み込めませんでした。ファイルが破損していないか確認してください。", err)
		}
		if i.MaxPages > 0 && pages > i.MaxPages {
			return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("PDFは %d ページまでです。", i.MaxPages), nil)
		}
		up.Kind = processing.SourcePDF
		up.Pages = pages
	case isMIME(mt, "text/xml"), isMIME(mt, "application/xml"):
		up.Kind = processing.SourceMusicXML
	case isMIME(mt, "application/zip") && strings.EqualFold(path.Ext(up.Filename), ".mxl"):
		up.Kind = processing.SourceMusicXML
	default:
		return nil, newError("UNSUPPORTED_FILE", fmt.Sprintf("PDF または MusicXML を選択してください（検出された形式: %s）。", mt.String()), nil)
	}
	return up, nil
}

// isMIME は mt かその親が expected であるかを返します。
func isMIME(mt *mimetype.MIME, expected string) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(expected) {
			return true
		}
	}
	return false
}

func countPages(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return pdfapi.PageCount(bytes.NewReader(data), conf)
}
