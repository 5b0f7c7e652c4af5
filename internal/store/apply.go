package store

import (
	"time"

	"ingestpipe/internal/model"
)

// applyFileUpdate and applyRecordUpdate interpret an Update's dot-paths
// against the small, closed set of fields these two entities actually
// expose for mutation. A real document store would apply the same
// operations generically against arbitrary JSON paths; since both
// implementations in this package share these semantics exactly, the
// interpretation lives here once instead of being duplicated per backend.

func applyFileUpdate(f *model.File, upd Update) {
	for path, val := range upd.Set {
		switch path {
		case "status":
			f.Status = val.(string)
		case "location":
			f.Location = val.(string)
		case "headerColumns":
			f.HeaderColumns = val.([]string)
		case "parsedColumns":
			f.ParsedColumns = val.([]string)
		case "validatedColumns":
			f.ValidatedColumns = val.([]string)
		case "stats":
			f.Stats = val.(model.Stats)
		case "times":
			f.Times = val.(model.Times)
		case "log":
			f.Log = val.([]model.ProcessingLog)
		case "recentErrors":
			f.RecentErrors = val.([]model.ProcessingLog)
		case "outputs":
			f.Outputs = val.([]model.OutputInstance)
		case "byteSize":
			f.ByteSize = val.(int64)
		case "contentHash":
			f.ContentHash = val.(string)
		case "tags":
			f.Tags = val.(map[string]string)
		default:
			applyStepStatSet(f, path, val)
			applyOutputInstanceSet(f, path, val)
		}
	}
	for _, path := range upd.Unset {
		switch path {
		case "recentErrors":
			f.RecentErrors = nil
		}
	}
	for path, vals := range upd.AddToSet {
		switch path {
		case "log":
			for _, v := range vals {
				f.Log = append(f.Log, v.(model.ProcessingLog))
			}
		case "recentErrors":
			for _, v := range vals {
				f.RecentErrors = append(f.RecentErrors, v.(model.ProcessingLog))
			}
		}
	}
	f.Updated = time.Now()
}

// applyStepStatSet handles "stats.steps.<key>" set paths.
func applyStepStatSet(f *model.File, path string, val interface{}) {
	const prefix = "stats.steps."
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return
	}
	key := path[len(prefix):]
	if f.Stats.Steps == nil {
		f.Stats.Steps = map[string]model.StepStat{}
	}
	f.Stats.Steps[key] = val.(model.StepStat)
}

// applyOutputInstanceSet handles "outputs.<instanceId>" positional-style set paths.
func applyOutputInstanceSet(f *model.File, path string, val interface{}) {
	const prefix = "outputs."
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return
	}
	instanceID := path[len(prefix):]
	inst := val.(model.OutputInstance)
	for i := range f.Outputs {
		if f.Outputs[i].InstanceID == instanceID {
			f.Outputs[i] = inst
			return
		}
	}
	f.Outputs = append(f.Outputs, inst)
}

func applyRecordUpdate(r *model.Record, upd Update) {
	for path, val := range upd.Set {
		switch path {
		case "status":
			r.Status = val.(string)
		case "parsedFields":
			r.ParsedFields = val.(map[string]string)
		case "validatedFields":
			r.ValidatedFields = val.(map[string]string)
		case "sharedKey":
			r.SharedKey = val.(string)
		case "uploadConfirmationId":
			r.UploadConfirmationID = val.(string)
		case "autoRetry":
			r.AutoRetry = val.(bool)
		case "retryCount":
			r.RetryCount = val.(int)
		case "log":
			r.Log = val.([]model.ProcessingLog)
		case "recentErrors":
			r.RecentErrors = val.([]model.ProcessingLog)
		}
	}
	for _, path := range upd.Unset {
		switch path {
		case "recentErrors":
			r.RecentErrors = nil
		}
	}
	for path, vals := range upd.AddToSet {
		switch path {
		case "log":
			for _, v := range vals {
				r.Log = append(r.Log, v.(model.ProcessingLog))
			}
		case "recentErrors":
			for _, v := range vals {
				r.RecentErrors = append(r.RecentErrors, v.(model.ProcessingLog))
			}
		}
	}
}
