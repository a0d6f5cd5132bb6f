package httpclient

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Check asserts that a JSON path in the response body equals an expected
// value. A failed check turns an otherwise successful response into an
// application-level failure.
type Check struct {
	Path string
	Want string
}

// CheckError reports the first failed response assertion.
type CheckError struct {
	Path string
	Want string
	Got  string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("json check %s: want %q, got %q", e.Path, e.Want, e.Got)
}

// ParseChecks parses "path=value" check specs.
func ParseChecks(specs []string) ([]Check, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	checks := make([]Check, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("json check must be in path=value form: %q", spec)
		}
		checks = append(checks, Check{
			Path: strings.TrimSpace(parts[0]),
			Want: parts[1],
		})
	}
	return checks, nil
}

// RunChecks evaluates every check against the body and returns the first
// failure, if any.
func RunChecks(body []byte, checks []Check) error {
	for _, check := range checks {
		got := gjson.GetBytes(body, check.Path)
		if !got.Exists() || got.String() != check.Want {
			return &CheckError{Path: check.Path, Want: check.Want, Got: got.String()}
		}
	}
	return nil
}
