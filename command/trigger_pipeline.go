package command

import (
	"fmt"

	"github.com/signalsfoundry/satops/internal/apperr"
)

const maxPipelineMode = 100

// TriggerPipeline starts the onboard image-processing pipeline in a mode.
type TriggerPipeline struct {
	Mode int `json:"mode"`
}

func (TriggerPipeline) Type() Type          { return TypeTriggerPipeline }
func (TriggerPipeline) Name() string        { return "Trigger Pipeline" }
func (TriggerPipeline) Description() string { return "Runs the image-processing pipeline in the given mode." }
func (TriggerPipeline) sealed()             {}

func (c TriggerPipeline) Validate() error {
	if c.Mode < 0 || c.Mode > maxPipelineMode {
		return apperr.Validation("mode", "must be between 0 and %d", maxPipelineMode)
	}
	return nil
}

func (c TriggerPipeline) Compile() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("set pipeline_run %d -n %d", c.Mode, DippNode)}, nil
}
