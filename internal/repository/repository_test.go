package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/transcodeq/internal/domain"
)

// stores builds each backend fresh so every test runs against both.
func stores(t *testing.T) map[string]struct {
	jobs   JobStore
	videos VideoStore
} {
	t.Helper()

	sqlStore, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]struct {
		jobs   JobStore
		videos VideoStore
	}{
		"memory": {NewMemoryJobStore(), NewMemoryVideoStore()},
		"sqlite": {NewSQLiteJobStore(sqlStore), NewSQLiteVideoStore(sqlStore)},
	}
}

func seedVideo(t *testing.T, videos VideoStore, id, slug string) *domain.Video {
	t.Helper()
	v := domain.NewVideo(domain.VideoID(id), slug, "/uploads/"+slug+".mp4")
	if err := videos.CreateVideo(context.Background(), v); err != nil {
		t.Fatalf("create video: %v", err)
	}
	return v
}

func seedJob(t *testing.T, jobs JobStore, id, videoID string) *domain.TranscodeJob {
	t.Helper()
	j := domain.NewTranscodeJob(domain.JobID(id), domain.VideoID(videoID), 3)
	if err := jobs.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestJobStore_CreateAndGet(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")

			job, err := be.jobs.GetJob(ctx, "j1")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if job.Status != domain.JobStatusPending {
				t.Errorf("Status = %s, want pending", job.Status)
			}
			if job.VideoID != "v1" {
				t.Errorf("VideoID = %s, want v1", job.VideoID)
			}

			if _, err := be.jobs.GetJob(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
				t.Errorf("GetJob(missing) err = %v, want ErrJobNotFound", err)
			}
		})
	}
}

func TestJobStore_DuplicateCreate(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")

			// Finalize the first job so only the ID collides.
			be.jobs.Claim(ctx, "j1")
			be.jobs.SetFailed(ctx, "j1", domain.ErrPermanent, "bad input")

			dup := domain.NewTranscodeJob("j1", "v1", 3)
			if err := be.jobs.CreateJob(ctx, dup); !errors.Is(err, domain.ErrDuplicateJob) {
				t.Errorf("CreateJob duplicate err = %v, want ErrDuplicateJob", err)
			}
		})
	}
}

func TestJobStore_SingleActiveJobPerVideo(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")

			second := domain.NewTranscodeJob("j2", "v1", 3)
			if err := be.jobs.CreateJob(ctx, second); !errors.Is(err, domain.ErrActiveJobExists) {
				t.Errorf("second active job err = %v, want ErrActiveJobExists", err)
			}

			// A processing job still blocks admission.
			be.jobs.Claim(ctx, "j1")
			if err := be.jobs.CreateJob(ctx, second); !errors.Is(err, domain.ErrActiveJobExists) {
				t.Errorf("err while processing = %v, want ErrActiveJobExists", err)
			}

			// Once the job is terminal the video can be resubmitted.
			be.jobs.SetFailed(ctx, "j1", domain.ErrTransient, "engine crashed")
			if err := be.jobs.CreateJob(ctx, second); err != nil {
				t.Errorf("create after terminal: %v", err)
			}
		})
	}
}

func TestJobStore_ConcurrentCreateSingleWinner(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")

			const racers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			created := 0

			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					job := domain.NewTranscodeJob(domain.JobID(fmt.Sprintf("j%d", n)), "v1", 3)
					err := be.jobs.CreateJob(ctx, job)
					switch {
					case err == nil:
						mu.Lock()
						created++
						mu.Unlock()
					case errors.Is(err, domain.ErrActiveJobExists):
					default:
						t.Errorf("CreateJob: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if created != 1 {
				t.Errorf("created = %d active jobs, want exactly 1", created)
			}
		})
	}
}

func TestJobStore_ClaimExclusivity(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")

			const racers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			claims := 0

			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := be.jobs.Claim(ctx, "j1")
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if ok {
						mu.Lock()
						claims++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if claims != 1 {
				t.Errorf("claims = %d, want exactly 1", claims)
			}

			job, err := be.jobs.GetJob(ctx, "j1")
			if err != nil {
				t.Fatal(err)
			}
			if job.Status != domain.JobStatusProcessing {
				t.Errorf("Status = %s, want processing", job.Status)
			}
			if job.Attempts != 1 {
				t.Errorf("Attempts = %d, want 1", job.Attempts)
			}
		})
	}
}

func TestJobStore_CompareAndSetStatus(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")

			ok, err := be.jobs.CompareAndSetStatus(ctx, "j1", domain.JobStatusPending, domain.JobStatusProcessing)
			if err != nil || !ok {
				t.Fatalf("CAS pending->processing = (%v, %v), want (true, nil)", ok, err)
			}

			// Expected status no longer holds
			ok, err = be.jobs.CompareAndSetStatus(ctx, "j1", domain.JobStatusPending, domain.JobStatusProcessing)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("second CAS should report ok=false")
			}
		})
	}
}

func TestJobStore_ProgressMonotonic(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")
			if _, ok, _ := be.jobs.Claim(ctx, "j1"); !ok {
				t.Fatal("claim failed")
			}

			for _, p := range []int{10, 40, 25, 80, 60} {
				if err := be.jobs.UpdateProgress(ctx, "j1", p); err != nil {
					t.Fatalf("UpdateProgress(%d): %v", p, err)
				}
			}

			job, err := be.jobs.GetJob(ctx, "j1")
			if err != nil {
				t.Fatal(err)
			}
			if job.Progress != 80 {
				t.Errorf("Progress = %d, want 80 (regressions ignored)", job.Progress)
			}
		})
	}
}

func TestJobStore_ProgressIgnoredWhenNotProcessing(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")

			if err := be.jobs.UpdateProgress(ctx, "j1", 50); err != nil {
				t.Fatal(err)
			}

			job, _ := be.jobs.GetJob(ctx, "j1")
			if job.Progress != 0 {
				t.Errorf("Progress = %d, want 0 for a pending job", job.Progress)
			}
		})
	}
}

func TestJobStore_SetCompleted(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")
			be.jobs.Claim(ctx, "j1")

			assets := domain.AssetSet{
				HLSPath:      "v1/master.m3u8",
				ThumbnailURL: "v1/thumb.jpg",
				Duration:     120,
			}
			if err := be.jobs.SetCompleted(ctx, "j1", assets); err != nil {
				t.Fatal(err)
			}

			job, _ := be.jobs.GetJob(ctx, "j1")
			if job.Status != domain.JobStatusCompleted {
				t.Errorf("Status = %s, want completed", job.Status)
			}
			if job.Progress != 100 {
				t.Errorf("Progress = %d, want 100", job.Progress)
			}
			if job.Assets.HLSPath != "v1/master.m3u8" || job.Assets.Duration != 120 {
				t.Errorf("Assets = %+v", job.Assets)
			}
		})
	}
}

func TestJobStore_TerminalIsImmutable(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")
			be.jobs.Claim(ctx, "j1")
			be.jobs.SetFailed(ctx, "j1", domain.ErrPermanent, "unsupported codec")

			// Terminal rows refuse further transitions.
			if err := be.jobs.SetCompleted(ctx, "j1", domain.AssetSet{HLSPath: "x"}); err != nil {
				t.Fatal(err)
			}
			job, _ := be.jobs.GetJob(ctx, "j1")
			if job.Status != domain.JobStatusFailed {
				t.Errorf("Status = %s, want failed to stick", job.Status)
			}

			ok, err := be.jobs.SetFailed(ctx, "j1", domain.ErrCancelled, "cancelled")
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("SetFailed on a terminal job should report ok=false")
			}

			ok, _ = be.jobs.CompareAndSetStatus(ctx, "j1", domain.JobStatusProcessing, domain.JobStatusPending)
			if ok {
				t.Error("CAS out of a terminal state should not succeed")
			}
		})
	}
}

func TestJobStore_MarkRetry(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedJob(t, be.jobs, "j1", "v1")
			be.jobs.Claim(ctx, "j1")
			be.jobs.UpdateProgress(ctx, "j1", 60)

			ok, err := be.jobs.MarkRetry(ctx, "j1")
			if err != nil || !ok {
				t.Fatalf("MarkRetry = (%v, %v), want (true, nil)", ok, err)
			}

			job, _ := be.jobs.GetJob(ctx, "j1")
			if job.Status != domain.JobStatusPending {
				t.Errorf("Status = %s, want pending", job.Status)
			}
			if job.Progress != 0 {
				t.Errorf("Progress = %d, want 0 after retry", job.Progress)
			}
			if job.Error != "" || job.ErrorKind != "" {
				t.Errorf("error fields should be cleared, got %q/%q", job.ErrorKind, job.Error)
			}
			if job.Attempts != 1 {
				t.Errorf("Attempts = %d, want 1 (counted on claim)", job.Attempts)
			}

			// Retry of a non-processing job is a no-op.
			ok, _ = be.jobs.MarkRetry(ctx, "j1")
			if ok {
				t.Error("MarkRetry on a pending job should report ok=false")
			}
		})
	}
}

func TestJobStore_GetActiveJobByVideo(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")

			if _, err := be.jobs.GetActiveJobByVideo(ctx, "v1"); !errors.Is(err, domain.ErrJobNotFound) {
				t.Errorf("err = %v, want ErrJobNotFound", err)
			}

			seedJob(t, be.jobs, "j1", "v1")
			job, err := be.jobs.GetActiveJobByVideo(ctx, "v1")
			if err != nil {
				t.Fatal(err)
			}
			if job.ID != "j1" {
				t.Errorf("ID = %s, want j1", job.ID)
			}

			// Terminal jobs are not active.
			be.jobs.Claim(ctx, "j1")
			be.jobs.SetFailed(ctx, "j1", domain.ErrPermanent, "bad input")
			if _, err := be.jobs.GetActiveJobByVideo(ctx, "v1"); !errors.Is(err, domain.ErrJobNotFound) {
				t.Errorf("after terminal: err = %v, want ErrJobNotFound", err)
			}
		})
	}
}

func TestJobStore_ResetStale(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedVideo(t, be.videos, "v2", "clip-two")
			seedJob(t, be.jobs, "j1", "v1")
			seedJob(t, be.jobs, "j2", "v2")
			be.jobs.Claim(ctx, "j1")
			be.jobs.Claim(ctx, "j2")

			// Nothing is stale yet against a generous threshold.
			ids, err := be.jobs.ResetStale(ctx, time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 0 {
				t.Errorf("reset %v, want none", ids)
			}

			// Everything is stale against a zero threshold.
			ids, err = be.jobs.ResetStale(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 2 {
				t.Errorf("reset %d jobs, want 2", len(ids))
			}

			for _, id := range []domain.JobID{"j1", "j2"} {
				job, _ := be.jobs.GetJob(ctx, id)
				if job.Status != domain.JobStatusPending {
					t.Errorf("%s Status = %s, want pending", id, job.Status)
				}
			}

			// A second pass finds nothing to reset.
			ids, _ = be.jobs.ResetStale(ctx, 0)
			if len(ids) != 0 {
				t.Errorf("second reset touched %v, want none", ids)
			}
		})
	}
}

func TestJobStore_ListByStatusOrder(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedVideo(t, be.videos, "v2", "clip-two")
			seedVideo(t, be.videos, "v3", "clip-three")

			base := time.Now().Add(-time.Hour)
			videoIDs := []domain.VideoID{"v1", "v2", "v3"}
			for i, id := range []string{"j3", "j1", "j2"} {
				j := domain.NewTranscodeJob(domain.JobID(id), videoIDs[i], 3)
				j.CreatedAt = base.Add(time.Duration(3-i) * time.Minute)
				if err := be.jobs.CreateJob(ctx, j); err != nil {
					t.Fatal(err)
				}
			}

			jobs, err := be.jobs.ListByStatus(ctx, domain.JobStatusPending)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != 3 {
				t.Fatalf("len = %d, want 3", len(jobs))
			}
			for i := 1; i < len(jobs); i++ {
				if jobs[i].CreatedAt.Before(jobs[i-1].CreatedAt) {
					t.Errorf("jobs not ordered by creation time: %s before %s", jobs[i].ID, jobs[i-1].ID)
				}
			}
		})
	}
}

func TestJobStore_Stats(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")
			seedVideo(t, be.videos, "v2", "clip-two")
			seedJob(t, be.jobs, "j1", "v1")
			seedJob(t, be.jobs, "j2", "v2")
			be.jobs.Claim(ctx, "j2")

			stats, err := be.jobs.Stats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Pending != 1 || stats.Processing != 1 {
				t.Errorf("stats = %+v, want 1 pending / 1 processing", stats)
			}
		})
	}
}

func TestVideoStore_CreateAndGet(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")

			video, err := be.videos.GetVideo(ctx, "v1")
			if err != nil {
				t.Fatal(err)
			}
			if video.Slug != "clip-one" || video.Status != domain.VideoStatusDraft {
				t.Errorf("video = %+v", video)
			}

			other := domain.NewVideo("v9", "clip-one", "/uploads/x.mp4")
			if err := be.videos.CreateVideo(ctx, other); !errors.Is(err, domain.ErrDuplicateSlug) {
				t.Errorf("duplicate slug err = %v, want ErrDuplicateSlug", err)
			}
		})
	}
}

func TestVideoStore_StatusAndAssets(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")

			ok, err := be.videos.CompareAndSetStatus(ctx, "v1", domain.VideoStatusDraft, domain.VideoStatusProcessing)
			if err != nil || !ok {
				t.Fatalf("CAS draft->processing = (%v, %v)", ok, err)
			}
			ok, _ = be.videos.CompareAndSetStatus(ctx, "v1", domain.VideoStatusDraft, domain.VideoStatusProcessing)
			if ok {
				t.Error("stale CAS should report ok=false")
			}

			assets := domain.AssetSet{
				HLSPath:      "v1/master.m3u8",
				ThumbnailURL: "v1/thumb.jpg",
				SpriteURL:    "v1/sprite.jpg",
				VTTPath:      "v1/sprite.vtt",
				Duration:     120,
			}
			if err := be.videos.SetReadyWithAssets(ctx, "v1", assets); err != nil {
				t.Fatal(err)
			}

			video, _ := be.videos.GetVideo(ctx, "v1")
			if video.Status != domain.VideoStatusReady {
				t.Errorf("Status = %s, want ready", video.Status)
			}
			if video.Assets != assets {
				t.Errorf("Assets = %+v, want %+v", video.Assets, assets)
			}
		})
	}
}

func TestVideoStore_Delete(t *testing.T) {
	for name, be := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedVideo(t, be.videos, "v1", "clip-one")

			if err := be.videos.DeleteVideo(ctx, "v1"); err != nil {
				t.Fatal(err)
			}
			if _, err := be.videos.GetVideo(ctx, "v1"); !errors.Is(err, domain.ErrVideoNotFound) {
				t.Errorf("err = %v, want ErrVideoNotFound", err)
			}
			if err := be.videos.DeleteVideo(ctx, "v1"); !errors.Is(err, domain.ErrVideoNotFound) {
				t.Errorf("second delete err = %v, want ErrVideoNotFound", err)
			}

			// Slug is freed for reuse.
			if err := be.videos.CreateVideo(ctx, domain.NewVideo("v2", "clip-one", "")); err != nil {
				t.Errorf("slug reuse after delete failed: %v", err)
			}
		})
	}
}
