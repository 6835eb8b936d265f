package model

// ValidationError indicates bad request parameters. It is never retried and
// maps to a 400 response at the HTTP layer.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validate checks a training request for structural problems.
func (r TrainingRequest) Validate() error {
	if len(r.Symbols) == 0 {
		return &ValidationError{Msg: "at least one symbol is required"}
	}
	if r.Timeframe == "" {
		return &ValidationError{Msg: "timeframe is required"}
	}
	if r.Epochs <= 0 {
		return &ValidationError{Msg: "epochs must be positive"}
	}
	if r.Mode != "" && !ValidMode(r.Mode) {
		return &ValidationError{Msg: "mode must be one of local, remote, auto"}
	}
	if r.TimeoutS != nil && *r.TimeoutS <= 0 {
		return &ValidationError{Msg: "timeout_s must be positive"}
	}
	return nil
}
