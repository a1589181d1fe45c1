package harness

// Outcome is the verdict for one item.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// ItemResult is the outcome of one cell.
type ItemResult struct {
	// Index is the cell index within the notebook.
	Index int `json:"index"`

	// Label is "cell N: description".
	Label string `json:"label"`

	Outcome Outcome `json:"outcome"`

	// State is the terminal execution state (COMPLETE or FAILED).
	State string `json:"state"`

	// Outputs is how many outputs the cell produced.
	Outputs int `json:"outputs"`

	// Failure is the rendered failure text. Empty on pass.
	Failure string `json:"failure,omitempty"`
}

// Result is the outcome of a whole notebook.
type Result struct {
	// Path is the notebook file.
	Path string `json:"path"`

	// Pass is true when every item passed and no suite error occurred.
	Pass bool `json:"pass"`

	Items []ItemResult `json:"items"`

	// Errors holds suite-level errors (teardown).
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result for path.
func NewResult(path string) *Result {
	return &Result{
		Path:   path,
		Pass:   true,
		Items:  []ItemResult{},
		Errors: []string{},
	}
}

// AddItem records an item outcome. Anything but a pass fails the result.
func (r *Result) AddItem(item ItemResult) {
	r.Items = append(r.Items, item)
	if item.Outcome != OutcomePass {
		r.Pass = false
	}
}

// AddError adds a suite error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Counts returns how many items ended in each outcome.
func (r *Result) Counts() (pass, fail, errored int) {
	for _, item := range r.Items {
		switch item.Outcome {
		case OutcomePass:
			pass++
		case OutcomeFail:
			fail++
		default:
			errored++
		}
	}
	return pass, fail, errored
}
