// Package jobs は楽譜処理ジョブのオーケストレーションを提供します。
//
// 構成:
//   - Repository: ジョブの永続化（Redis / SQL / メモリ）。UpdatedAt による条件付き更新を持ちます。
//   - Serializer: ジョブIDごとにランを投入順で1つずつ実行します。
//   - Guard: ランの開始時の Fingerprint とジョブの現在値を比べ、古いランの結果を破棄させます。
//   - Pipeline: submitted → processing → ready / failed の状態遷移と各ステージの実行。
//   - Sweeper: processing のまま放置されたジョブを failed にします。
//   - InlineDispatcher / Queue: ランの予約（プロセス内、または Asynq）。
//   - Manager: アップロード・声部変更・再試行の入口。
//
// ステージ:
//   - recognize: PDFのOMR、またはMusicXMLの読み込みと構造解析
//   - analyze: 自動検出した声部と利用者の割り当ての統合
//   - generate: 声部ごとのMIDI生成（"all" を含む）
package jobs
