package usecase

import (
	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/workflow"
)

const (
	StepPrepareJobs    = "quote-created-prepare-jobs"
	StepOCRDocument    = "ocr-document"
	StepAnalyzeQuote   = "analyze-quote"
	StepComputePricing = "compute-pricing"
)

// skipped is the output of a run that decided there was nothing to do.
type skipped struct {
	Skipped string `json:"skipped"`
}

// decodePayload reads the triggering event; a malformed payload can never
// succeed on retry.
func decodePayload(run *workflow.Run, out any) error {
	if err := run.Event.Decode(out); err != nil {
		return domain.Permanent("decode "+run.Event.Name, err)
	}
	return nil
}

// PipelineSteps returns the fixed step list in registration order.
func PipelineSteps(
	prepare *PrepareJobsStep,
	ocr *OCRStep,
	analyze *AnalysisStep,
	price *PricingStep,
) []workflow.Step {
	return []workflow.Step{
		prepare.Step(),
		ocr.Step(),
		analyze.Step(),
		price.Step(),
	}
}
