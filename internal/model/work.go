package model

// Params carries the named parameters for one pipeline execution. Zero values
// are replaced with the documented defaults by DefaultParams.
type Params struct {
	Background string  `json:"background"`
	Padding    float64 `json:"padding"`
	Shadow     bool    `json:"shadow"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Text       string  `json:"text"`
	BarHeight  int     `json:"bar_height"`
	FontSize   int     `json:"font_size"`
}

// DefaultParams returns the parameter defaults used when a caller omits them.
func DefaultParams() Params {
	return Params{
		Background: "FFFFFF",
		Padding:    0.1,
		Shadow:     true,
		Width:      1200,
		Height:     1200,
		Text:       "usedcameragear.com",
		BarHeight:  50,
		FontSize:   20,
	}
}

// WorkUnit is the immutable input to one pipeline execution: the raw image
// bytes plus named parameters. A WorkUnit is owned exclusively by the
// execution that received it and is never shared across concurrent runs.
type WorkUnit struct {
	ID     string
	Data   []byte
	Params Params

	// Progress, when set, is invoked from the worker after each stage
	// finishes. It must not block: slow consumers stall the execution.
	Progress func(StageTiming) `json:"-"`
}
