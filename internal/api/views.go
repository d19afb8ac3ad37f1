package api

import (
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

type countersDTO struct {
	Discovered     int `json:"discovered"`
	Unresolved     int `json:"unresolved"`
	Duplicate      int `json:"duplicate"`
	Skipped        int `json:"skipped"`
	TotalToProcess int `json:"total_to_process"`
	Deferred       int `json:"deferred"`
	Processed      int `json:"processed"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
}

type jobView struct {
	JobID            string                   `json:"job_id"`
	CatalogURL       string                   `json:"catalog_url,omitempty"`
	State            crawler.JobState         `json:"state"`
	LastEvent        crawler.Event            `json:"last_event,omitempty"`
	Pass             int                      `json:"pass"`
	DiscoveryRounds  int                      `json:"discovery_rounds"`
	DiscoveryOutcome crawler.DiscoveryOutcome `json:"discovery_outcome,omitempty"`
	Counters         countersDTO              `json:"counters"`
	FailureQueue     []crawler.CandidateRef   `json:"failure_queue"`
	Records          []crawler.Record         `json:"records,omitempty"`
	StartedAt        time.Time                `json:"started_at"`
	FinishedAt       *time.Time               `json:"finished_at,omitempty"`
	At               time.Time                `json:"at"`
}

func toJobView(snap crawler.JobRunSnapshot, withRecords bool) jobView {
	view := jobView{
		JobID:            snap.JobID,
		CatalogURL:       snap.CatalogURL,
		State:            snap.State,
		LastEvent:        snap.Event,
		Pass:             snap.Pass,
		DiscoveryRounds:  snap.DiscoveryRounds,
		DiscoveryOutcome: snap.DiscoveryOutcome,
		Counters: countersDTO{
			Discovered:     snap.DiscoveredCount,
			Unresolved:     snap.UnresolvedCount,
			Duplicate:      snap.DuplicateCount,
			Skipped:        snap.SkippedCount,
			TotalToProcess: snap.TotalToProcess,
			Deferred:       snap.DeferredCount,
			Processed:      snap.ProcessedCount,
			Succeeded:      snap.SucceededCount,
			Failed:         snap.FailedCount,
		},
		FailureQueue: snap.FailureQueue,
		StartedAt:    snap.StartedAt,
		At:           snap.At,
	}
	if view.FailureQueue == nil {
		view.FailureQueue = []crawler.CandidateRef{}
	}
	if withRecords {
		view.Records = snap.Succeeded
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		view.FinishedAt = &finished
	}
	return view
}

type runDTO struct {
	JobID            string                   `json:"job_id"`
	CatalogURL       string                   `json:"catalog_url,omitempty"`
	State            crawler.JobState         `json:"state"`
	LastEvent        crawler.Event            `json:"last_event,omitempty"`
	Pass             int                      `json:"pass"`
	DiscoveryRounds  int                      `json:"discovery_rounds"`
	DiscoveryOutcome crawler.DiscoveryOutcome `json:"discovery_outcome,omitempty"`
	Counters         countersDTO              `json:"counters"`
	FailureQueue     []string                 `json:"failure_queue"`
	StartedAt        time.Time                `json:"started_at"`
	FinishedAt       *time.Time               `json:"finished_at,omitempty"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

func toRunDTOs(in []store.JobRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.JobRun) runDTO {
	dto := runDTO{
		JobID:            run.JobID.String(),
		CatalogURL:       run.CatalogURL,
		State:            run.State,
		LastEvent:        run.LastEvent,
		Pass:             run.Pass,
		DiscoveryRounds:  run.DiscoveryRounds,
		DiscoveryOutcome: run.DiscoveryOutcome,
		Counters: countersDTO{
			Discovered:     run.Discovered,
			Skipped:        run.Skipped,
			TotalToProcess: run.TotalToProcess,
			Deferred:       run.Deferred,
			Processed:      run.Processed,
			Succeeded:      run.Succeeded,
			Failed:         run.Failed,
		},
		FailureQueue: run.FailureQueue,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		UpdatedAt:    run.UpdatedAt,
	}
	if dto.FailureQueue == nil {
		dto.FailureQueue = []string{}
	}
	return dto
}
