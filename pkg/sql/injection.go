package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/conduitworks/conduit-engine/pkg/params"
)

// InjectionCheckResult contains the result of an injection check on a
// parameter value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string // Name of the parameter that failed the check
	ParamValue  any    // The value that was checked
}

// CheckParameterForInjection uses libinjection to detect SQL injection
// patterns in a parameter value.
//
// Only string values are checked - integers, floats and booleans cannot
// carry SQL injection patterns and return nil.
//
// Returns nil if no injection is detected, or an InjectionCheckResult with
// details about the detected pattern.
func CheckParameterForInjection(paramName string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			ParamName:   paramName,
			ParamValue:  value,
		}
	}

	return nil
}

// CheckArguments scans the bound argument list of one execution for SQL
// injection attempts.
//
// Returns one result per offending argument, or nil if all are clean.
func CheckArguments(args []params.NamedValue) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for _, arg := range args {
		if result := CheckParameterForInjection(arg.Name, arg.Value); result != nil {
			results = append(results, result)
		}
	}
	return results
}
