// Package scheduler implements the Status Scheduler (spec.md §4.9): pure
// routing from a File's current status plus its file-type config to the
// next stage task, and nothing else — it never touches records, never
// runs a stage itself, and it is the only component in the pipeline
// allowed to enqueue the next stage's task (spec.md §1 "the scheduler is
// the only component that enqueues the next stage task").
package scheduler

import (
	"context"
	"fmt"

	"ingestpipe/internal/admincache"
	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/queue"
	"ingestpipe/internal/rierrors"
	"ingestpipe/internal/store"
)

// Scheduler routes files to their next stage task.
type Scheduler struct {
	Store    store.Store
	Cache    admincache.Cache
	Enqueuer queue.Enqueuer
}

// New constructs a Scheduler.
func New(st store.Store, cache admincache.Cache, enq queue.Enqueuer) *Scheduler {
	return &Scheduler{Store: st, Cache: cache, Enqueuer: enq}
}

// Route inspects file.Status and either enqueues the next stage task,
// advances file.Status itself for a pass-through transition that needs
// no stage run (VALIDATED -> WAITING_APPROVAL_TO_UPLOAD, UPLOADED/
// REPORTING -> COMPLETED with nothing left to do), or does nothing for
// in-progress and terminal-error statuses.
func (s *Scheduler) Route(ctx context.Context, file *model.File) error {
	switch file.Status {
	case model.FileNew:
		return s.enqueue(ctx, queue.Task{Stage: queue.StageLoad, FileID: file.ID})

	case model.FileLoaded:
		return s.enqueue(ctx, queue.Task{Stage: queue.StageParse, FileID: file.ID})

	case model.FileParsed:
		return s.enqueue(ctx, queue.Task{Stage: queue.StageValidate, FileID: file.ID})

	case model.FileValidated:
		return s.routeValidated(ctx, file)

	case model.FileApprovedToUpload, model.FileUploadingRetryPause:
		return s.enqueue(ctx, queue.Task{Stage: queue.StageUpload, FileID: file.ID})

	case model.FileUploaded:
		return s.routeUploaded(ctx, file)

	case model.FileReporting:
		return s.routeReporting(ctx, file)

	default:
		// LOADING/PARSING/VALIDATING/UPLOADING (in-progress),
		// every *_ERROR status, WAITING_APPROVAL_TO_UPLOAD (awaits an
		// external approval action) and COMPLETED: nothing to route.
		return nil
	}
}

// routeValidated applies the file-type's requireUploadReview policy
// (spec.md §4.9): ALWAYS, or ON_ERRORS with at least one VALIDATION_ERROR
// record, routes to WAITING_APPROVAL_TO_UPLOAD; otherwise the upload
// stage is enqueued directly, with no approval step.
func (s *Scheduler) routeValidated(ctx context.Context, file *model.File) error {
	ft, ok := s.Cache.FileType(file.PartnerID, file.FileTypeID)
	if !ok {
		return rierrors.NewConfigurationError(fmt.Sprintf("no FileType for partner %d, fileType %d", file.PartnerID, file.FileTypeID))
	}

	needsReview := ft.RequireUploadReview == config.ReviewPolicyAlways
	if !needsReview && ft.RequireUploadReview == config.ReviewPolicyOnErrors {
		hasErrors, err := s.hasValidationErrors(ctx, file.ID)
		if err != nil {
			return err
		}
		needsReview = hasErrors
	}

	if needsReview {
		ok, err := s.Store.CASFileStatus(ctx, file.ID, []string{model.FileValidated}, model.FileWaitingApprovalToUpload)
		if err != nil {
			return fmt.Errorf("scheduler: claim WAITING_APPROVAL_TO_UPLOAD: %w", err)
		}
		if ok {
			file.Status = model.FileWaitingApprovalToUpload
		}
		return nil
	}

	return s.enqueue(ctx, queue.Task{Stage: queue.StageUpload, FileID: file.ID})
}

func (s *Scheduler) hasValidationErrors(ctx context.Context, fileID int64) (bool, error) {
	recs, err := s.Store.FindRecords(ctx, store.RecordFilter{FileID: fileID, StatusIn: []string{model.RecordValidationError}}, 0, 1)
	if err != nil {
		return false, fmt.Errorf("scheduler: check validation errors: %w", err)
	}
	return len(recs) > 0, nil
}

// routeUploaded enumerates active && runAutomatic outputs. With none, the
// file is done; with at least one, a PENDING OutputInstance is recorded
// for each and one REPORT task is scheduled per instance.
func (s *Scheduler) routeUploaded(ctx context.Context, file *model.File) error {
	ft, ok := s.Cache.FileType(file.PartnerID, file.FileTypeID)
	if !ok {
		return rierrors.NewConfigurationError(fmt.Sprintf("no FileType for partner %d, fileType %d", file.PartnerID, file.FileTypeID))
	}

	var due []config.Output
	for _, out := range ft.Outputs {
		if out.Active && out.RunAutomatic {
			due = append(due, out)
		}
	}

	if len(due) == 0 {
		ok, err := s.Store.CASFileStatus(ctx, file.ID, []string{model.FileUploaded}, model.FileCompleted)
		if err != nil {
			return fmt.Errorf("scheduler: claim COMPLETED: %w", err)
		}
		if ok {
			file.Status = model.FileCompleted
		}
		return nil
	}

	ok, err := s.Store.CASFileStatus(ctx, file.ID, []string{model.FileUploaded}, model.FileReporting)
	if err != nil {
		return fmt.Errorf("scheduler: claim REPORTING: %w", err)
	}
	if !ok {
		// Lost the race to another claimant; let them drive it forward.
		return nil
	}
	file.Status = model.FileReporting

	upd := store.NewUpdate()
	for i, out := range due {
		instanceID := fmt.Sprintf("%d-%d", file.ID, i+1)
		instance := model.OutputInstance{InstanceID: instanceID, OutputName: out.Name, Status: model.OutputInstancePending}
		file.Outputs = append(file.Outputs, instance)
		upd.SetField("outputs."+instanceID, instance)
	}
	if err := s.Store.UpdateFile(ctx, file.ID, *upd); err != nil {
		return fmt.Errorf("scheduler: record output instances: %w", err)
	}

	for _, out := range file.Outputs {
		if !out.IsTerminal() && out.Status == model.OutputInstancePending {
			if err := s.enqueue(ctx, queue.Task{Stage: queue.StageReport, FileID: file.ID, InstanceID: out.InstanceID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// routeReporting marks the file COMPLETED once every OutputInstance has
// reached a terminal status.
func (s *Scheduler) routeReporting(ctx context.Context, file *model.File) error {
	for _, out := range file.Outputs {
		if !out.IsTerminal() {
			return nil
		}
	}
	ok, err := s.Store.CASFileStatus(ctx, file.ID, []string{model.FileReporting}, model.FileCompleted)
	if err != nil {
		return fmt.Errorf("scheduler: claim COMPLETED: %w", err)
	}
	if ok {
		file.Status = model.FileCompleted
	}
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, task queue.Task) error {
	if err := s.Enqueuer.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("scheduler: enqueue %s: %w", task, err)
	}
	return nil
}
