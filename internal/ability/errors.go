package ability

import "fmt"

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageSchema     Stage = "schema"
	StageDecode     Stage = "decode"
	StageSimulation Stage = "simulation"
	StageValidation Stage = "validation"
	StagePolicy     Stage = "policy"
	StagePrepare    Stage = "prepare"
	StageSigning    Stage = "signing"
	StageInternal   Stage = "internal"
)

type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
