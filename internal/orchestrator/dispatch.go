package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/queue"
)

// Dispatch is the queue handler: it decodes the payload and runs it as a
// prompt job or a cluster scan depending on its shape.
func (o *Orchestrator) Dispatch(ctx context.Context, job model.QueuedJob) error {
	kind := job.Kind
	if kind == model.JobKindUnknown {
		var err error
		if kind, err = model.DetectJobKind(job.Payload); err != nil {
			return queue.Permanent(err)
		}
	}

	switch kind {
	case model.JobKindPrompt:
		var pj model.PromptJob
		if err := json.Unmarshal(job.Payload, &pj); err != nil {
			return queue.Permanent(eris.Wrap(err, "orchestrator: decode prompt job"))
		}
		_, err := o.HandlePrompt(ctx, pj)
		return err
	case model.JobKindClusterScan:
		var cj model.ClusterScanJob
		if err := json.Unmarshal(job.Payload, &cj); err != nil {
			return queue.Permanent(eris.Wrap(err, "orchestrator: decode cluster scan job"))
		}
		_, err := o.HandleClusterScan(ctx, cj)
		return err
	default:
		return queue.Permanent(eris.Errorf("orchestrator: unknown job kind %q", kind))
	}
}
