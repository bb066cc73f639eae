package wizard

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidRequest is wrapped by every AnalysisRequest validation failure.
var ErrInvalidRequest = errors.New("wizard: invalid request")

// Defaults of the selection form.
const (
	DefaultNumberOfSites = 20
	DefaultPercentage    = 50
	DefaultAroundStart   = 25
	AllSites             = -1
)

// AnalysisRequest is what the wizard forms submit.
type AnalysisRequest struct {
	Species       string `json:"species"`
	Gene          string `json:"gene,omitempty"`
	RefSeqID      string `json:"refSeqId,omitempty"`
	NumberOfSites int    `json:"numberOfSites"`
	Percentage    int    `json:"percentage"`
	AroundStart   int    `json:"aroundStart"`
}

// TranscriptCandidate is one line of the transcript stage, in emitted order.
type TranscriptCandidate struct {
	RefSeqID string `json:"refSeqId"`
}

// NewAnalysisRequest returns a request with the form defaults.
func NewAnalysisRequest() AnalysisRequest {
	return AnalysisRequest{
		NumberOfSites: DefaultNumberOfSites,
		Percentage:    DefaultPercentage,
		AroundStart:   DefaultAroundStart,
	}
}

// ParseAnalysisRequest reads form values, accepting both the camelCase names
// and the legacy form names (RefSeqID, NumberOfSites, Percentage,
// AroundStart). Missing numbers take their defaults. The result is validated.
func ParseAnalysisRequest(form url.Values) (AnalysisRequest, error) {
	r := NewAnalysisRequest()
	r.Species = strings.TrimSpace(formValue(form, "species"))
	r.Gene = strings.TrimSpace(formValue(form, "gene"))
	r.RefSeqID = strings.TrimSpace(formValue(form, "refSeqId", "RefSeqID"))

	var err error
	if r.NumberOfSites, err = formInt(form, r.NumberOfSites, "numberOfSites", "NumberOfSites"); err != nil {
		return r, err
	}
	if r.Percentage, err = formInt(form, r.Percentage, "percentage", "Percentage"); err != nil {
		return r, err
	}
	if r.AroundStart, err = formInt(form, r.AroundStart, "aroundStart", "AroundStart"); err != nil {
		return r, err
	}
	return r, r.Validate()
}

// Validate checks ranges. It does not check the argument alphabet: that is
// the invoker's job, right before the process would be spawned.
func (r AnalysisRequest) Validate() error {
	if r.Species == "" {
		return fmt.Errorf("%w: species is required", ErrInvalidRequest)
	}
	if r.NumberOfSites < AllSites {
		return fmt.Errorf("%w: numberOfSites must be -1 or >= 0", ErrInvalidRequest)
	}
	if r.Percentage < 0 || r.Percentage > 100 {
		return fmt.Errorf("%w: percentage must be within [0,100]", ErrInvalidRequest)
	}
	if r.AroundStart < 0 || r.AroundStart > 100 {
		return fmt.Errorf("%w: aroundStart must be within [0,100]", ErrInvalidRequest)
	}
	return nil
}

// TranscriptArgs returns the placeholders of the transcript stage.
func (r AnalysisRequest) TranscriptArgs() (map[string]string, error) {
	if r.Gene == "" {
		return nil, fmt.Errorf("%w: gene is required", ErrInvalidRequest)
	}
	return map[string]string{"gene": r.Gene, "species": r.Species}, nil
}

// SiteArgs returns the placeholders of the site stage. The display options
// stay on the view; the pipeline command does not take them.
func (r AnalysisRequest) SiteArgs() (map[string]string, error) {
	if r.RefSeqID == "" {
		return nil, fmt.Errorf("%w: refSeqId is required", ErrInvalidRequest)
	}
	return map[string]string{"refSeqId": r.RefSeqID, "species": r.Species}, nil
}

func formValue(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := form.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func formInt(form url.Values, def int, keys ...string) (int, error) {
	v := strings.TrimSpace(formValue(form, keys...))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s must be an integer", ErrInvalidRequest, keys[0])
	}
	return n, nil
}
