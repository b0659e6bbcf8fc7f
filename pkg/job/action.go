package job

import (
	"fmt"
	"time"
)

// ActionKind identifies one variant of the automation action vocabulary.
type ActionKind string

const (
	// ActionNavigate loads a URL in the job's browser context.
	ActionNavigate ActionKind = "navigate"

	// ActionWait waits for a selector state or a fixed delay.
	ActionWait ActionKind = "wait"

	// ActionInteract performs an input operation on a page element.
	ActionInteract ActionKind = "interact"

	// ActionExtract reads data out of the page.
	ActionExtract ActionKind = "extract"

	// ActionCapture produces a binary artifact of the page.
	ActionCapture ActionKind = "capture"
)

// InteractOp is the operation performed by an interact action.
type InteractOp string

const (
	OpClick  InteractOp = "click"
	OpFill   InteractOp = "fill"
	OpSelect InteractOp = "select"
	OpPress  InteractOp = "press"
)

// ExtractKind selects what an extract action reads from the page.
type ExtractKind string

const (
	// ExtractText extracts the text content of the target selector,
	// or the page title when no selector is given.
	ExtractText ExtractKind = "text"

	// ExtractAttribute extracts a single attribute of the target.
	ExtractAttribute ExtractKind = "attribute"

	// ExtractTitle extracts the document title.
	ExtractTitle ExtractKind = "title"

	// ExtractStructured extracts title, headings, links and body text
	// as a JSON document.
	ExtractStructured ExtractKind = "structured"
)

// CaptureKind selects the artifact produced by a capture action.
type CaptureKind string

const (
	CaptureScreenshot CaptureKind = "screenshot"
	CapturePDF        CaptureKind = "pdf"
	CaptureHTML       CaptureKind = "html"
)

// WaitCondition describes what a wait action waits for. Exactly one of
// Selector or Delay must be set.
type WaitCondition struct {
	// Selector to wait for, together with the state it must reach:
	// "visible" (default), "attached", "hidden", or "detached".
	Selector string `json:"selector,omitempty"`
	State    string `json:"state,omitempty"`

	// Delay is a fixed sleep, used when Selector is empty.
	Delay time.Duration `json:"-"`
}

// ExtractSpec describes the target of an extract action.
type ExtractSpec struct {
	Kind      ExtractKind `json:"kind,omitempty"`
	Selector  string      `json:"selector,omitempty"`
	Attribute string      `json:"attribute,omitempty"`
}

// Action is one automation step within a Job. Kind determines which of
// the variant fields are meaningful; Validate enforces that.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Navigate fields.
	URL       string `json:"url,omitempty"`
	WaitUntil string `json:"wait_until,omitempty"`

	// Wait fields.
	Wait *WaitCondition `json:"wait,omitempty"`

	// Interact fields.
	Target string     `json:"target,omitempty"`
	Op     InteractOp `json:"op,omitempty"`
	Value  string     `json:"value,omitempty"`

	// Extract fields.
	Extract *ExtractSpec `json:"extract,omitempty"`

	// Capture fields.
	Capture CaptureKind `json:"capture,omitempty"`

	// Timeout bounds this single action. Zero means the configured
	// per-action default.
	Timeout time.Duration `json:"-"`

	// Retries is the number of additional attempts after a failure
	// before the action is considered failed.
	Retries int `json:"retries,omitempty"`

	// Optional actions record their failure but do not abort the
	// remainder of the job.
	Optional bool `json:"optional,omitempty"`
}

var validWaitUntil = map[string]bool{
	"":                 true,
	"load":             true,
	"domcontentloaded": true,
	"networkidle":      true,
}

var validWaitState = map[string]bool{
	"":         true,
	"visible":  true,
	"attached": true,
	"hidden":   true,
	"detached": true,
}

// Validate checks that the action's variant fields are consistent with
// its kind.
func (a Action) Validate() error {
	if a.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	switch a.Kind {
	case ActionNavigate:
		if a.URL == "" {
			return fmt.Errorf("navigate action requires a url")
		}
		if !validWaitUntil[a.WaitUntil] {
			return fmt.Errorf("invalid wait_until %q", a.WaitUntil)
		}
	case ActionWait:
		if a.Wait == nil {
			return fmt.Errorf("wait action requires a condition")
		}
		if a.Wait.Selector == "" && a.Wait.Delay <= 0 {
			return fmt.Errorf("wait condition requires a selector or a delay")
		}
		if !validWaitState[a.Wait.State] {
			return fmt.Errorf("invalid wait state %q", a.Wait.State)
		}
	case ActionInteract:
		if a.Target == "" {
			return fmt.Errorf("interact action requires a target selector")
		}
		switch a.Op {
		case OpClick:
		case OpFill, OpSelect, OpPress:
			if a.Value == "" {
				return fmt.Errorf("interact op %q requires a value", a.Op)
			}
		default:
			return fmt.Errorf("invalid interact op %q", a.Op)
		}
	case ActionExtract:
		if a.Extract == nil {
			return fmt.Errorf("extract action requires an extract spec")
		}
		switch a.Extract.Kind {
		case ExtractText, ExtractTitle, ExtractStructured, "":
		case ExtractAttribute:
			if a.Extract.Selector == "" || a.Extract.Attribute == "" {
				return fmt.Errorf("attribute extraction requires selector and attribute")
			}
		default:
			return fmt.Errorf("invalid extract kind %q", a.Extract.Kind)
		}
	case ActionCapture:
		switch a.Capture {
		case CaptureScreenshot, CapturePDF, CaptureHTML:
		default:
			return fmt.Errorf("invalid capture kind %q", a.Capture)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}
