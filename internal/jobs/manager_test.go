package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alexpierre9/choir-voice-player/internal/processing"
)

func TestSubmitValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty file", SubmitRequest{Kind: processing.SourcePDF}},
		{"unknown kind", SubmitRequest{Kind: "midi", Data: []byte("x")}},
		{"unknown voice", SubmitRequest{Kind: processing.SourcePDF, Data: []byte("x"), VoiceAssignments: map[int]processing.Voice{0: "piano"}}},
		{"negative part", SubmitRequest{Kind: processing.SourcePDF, Data: []byte("x"), VoiceAssignments: map[int]processing.Voice{-1: processing.VoiceAlto}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.manager.Submit(ctx, tc.req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestSubmitStoresSourceAndSchedulesFullRun(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, processing.SourcePDF, map[int]processing.Voice{1: processing.VoiceBass})

	if job.Status != StatusSubmitted || job.OwnerKey != "admin" {
		t.Fatalf("unexpected job: %+v", job)
	}
	data, err := env.blobs.Get(context.Background(), job.Source.Key)
	if err != nil || string(data) != "score data pdf" {
		t.Fatalf("source not stored: %q %v", data, err)
	}
	req := env.dispatcher.last(t)
	if req.JobID != job.ID || req.Fingerprint != job.Fingerprint || req.Mode != RunFull {
		t.Fatalf("unexpected run request: %+v", req)
	}
	if job.Fingerprint != NewFingerprint(job.Source.Key, map[int]processing.Voice{1: processing.VoiceBass}) {
		t.Fatal("fingerprint should be derived from source and assignments")
	}
}

func TestSubmitMarksJobFailedWhenDispatchFails(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.err = errors.New("redis down")

	_, err := env.manager.Submit(context.Background(), SubmitRequest{Kind: processing.SourceMusicXML, Data: []byte("x")})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	ids, _ := env.repo.FindStale(context.Background(), StatusFailed, time.Now().Add(time.Hour))
	if len(ids) != 1 {
		t.Fatalf("undispatched job should be failed, got %v", ids)
	}
}

// interferingDispatcher は予約に失敗する直前に別の更新をジョブに書き込みます。
type interferingDispatcher struct {
	repo Repository
}

func (d *interferingDispatcher) Dispatch(ctx context.Context, req RunRequest) error {
	if _, err := d.repo.Update(ctx, req.JobID, Patch{StatusDetail: stringPtr(detailRecognizing)}, nil); err != nil {
		return err
	}
	return errors.New("redis down")
}

func TestDispatchFailureKeepsConcurrentTransition(t *testing.T) {
	env := newTestEnv(t)
	manager, err := NewManager(env.repo, env.blobs, &interferingDispatcher{repo: env.repo}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := manager.Submit(context.Background(), SubmitRequest{Kind: processing.SourceMusicXML, Data: []byte("x")}); err == nil {
		t.Fatal("expected dispatch error")
	}
	ids, _ := env.repo.FindStale(context.Background(), StatusSubmitted, time.Now().Add(time.Hour))
	if len(ids) != 1 {
		t.Fatalf("job should stay submitted, got %v", ids)
	}
	if got := env.get(t, ids[0]); got.Error != nil || got.StatusDetail != detailRecognizing {
		t.Fatalf("concurrent update was overwritten: %+v", got)
	}
}

func TestUpdateAssignmentsSameIntentIsNoop(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, processing.SourceMusicXML, map[int]processing.Voice{0: processing.VoiceAlto})
	dispatched := len(env.dispatcher.reqs)

	got, err := env.manager.UpdateAssignments(context.Background(), job.ID, map[int]processing.Voice{0: processing.VoiceAlto})
	if err != nil {
		t.Fatalf("UpdateAssignments: %v", err)
	}
	if !got.UpdatedAt.Equal(job.UpdatedAt) || len(env.dispatcher.reqs) != dispatched {
		t.Fatal("unchanged assignments must not touch the job")
	}
}

func TestUpdateAssignmentsRejectsUnknownPart(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, processing.SourceMusicXML, nil)
	env.run(t, env.dispatcher.last(t))

	_, err := env.manager.UpdateAssignments(context.Background(), job.ID, map[int]processing.Voice{7: processing.VoiceAlto})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateAssignmentsOnFailedJobRerunsFromSource(t *testing.T) {
	env := newTestEnv(t)
	env.proc.healthErr = &processing.Error{Kind: processing.KindUnreachable}
	job := env.submit(t, processing.SourceMusicXML, nil)
	env.run(t, env.dispatcher.last(t))

	got, err := env.manager.UpdateAssignments(context.Background(), job.ID, map[int]processing.Voice{0: processing.VoiceBass})
	if err != nil {
		t.Fatalf("UpdateAssignments: %v", err)
	}
	if got.Status != StatusSubmitted || got.Error != nil {
		t.Fatalf("failed job should be resubmitted: %+v", got)
	}
	if req := env.dispatcher.last(t); req.Mode != RunFull {
		t.Fatalf("unexpected mode: %s", req.Mode)
	}
}

func TestRetryRequiresFailedJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, processing.SourceMusicXML, nil)

	if _, err := env.manager.Retry(context.Background(), job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.manager.Retry(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadArtifact(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, processing.SourceMusicXML, nil)
	ctx := context.Background()

	if _, err := env.manager.ReadArtifact(ctx, job.ID, processing.VoiceSoprano); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before ready, got %v", err)
	}
	env.run(t, env.dispatcher.last(t))

	data, err := env.manager.ReadArtifact(ctx, job.ID, processing.VoiceSoprano)
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if string(data) != "MThd soprano 1" {
		t.Fatalf("unexpected midi: %q", data)
	}
	if _, err := env.manager.ReadArtifact(ctx, job.ID, processing.VoiceOther); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}
