package experiment

import (
	"fmt"
	"strings"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/jobbook"
)

// production is the default adapter for event-service production jobs.
type production struct{}

func (p *production) Name() string { return "ATLAS" }

func (p *production) ValidateJobSpec(spec *dispatcher.JobSpec) error {
	if spec.PandaID == "" {
		return fmt.Errorf("%w: missing job id", ErrBadJobSpec)
	}
	if strings.TrimSpace(spec.TrfName) == "" {
		return fmt.Errorf("%w: job %s has no transformation", ErrBadJobSpec, spec.PandaID)
	}
	if len(spec.InFiles) != len(spec.GUIDs) {
		return fmt.Errorf("%w: job %s has %d input files but %d GUIDs",
			ErrBadJobSpec, spec.PandaID, len(spec.InFiles), len(spec.GUIDs))
	}
	return nil
}

func (p *production) RunCommandList(job *jobbook.Job) ([]string, error) {
	cmd := strings.TrimSpace(job.RunCommand)
	if cmd == "" {
		return nil, fmt.Errorf("%w: job %s has an empty run command", ErrBadJobSpec, job.ID)
	}
	return []string{cmd}, nil
}
