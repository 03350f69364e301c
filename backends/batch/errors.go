package batch

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/maouw/cloudknot/api"
)

var throttledCodes = map[string]bool{
	"Throttling":                    true,
	"ThrottlingException":           true,
	"ThrottledException":            true,
	"RequestLimitExceeded":          true,
	"RequestThrottled":              true,
	"RequestThrottledException":     true,
	"TooManyRequestsException":      true,
	"ProvisionedThroughputExceeded": true,
	"SlowDown":                      true,
	"PriorRequestNotComplete":       true,
}

var inUseCodes = map[string]bool{
	"DependencyViolation":    true,
	"DeleteConflict":         true,
	"ResourceInUseException": true,
	"InvalidGroup.InUse":     true,
	"IncorrectState":         true,
	"ConcurrentModification": true,
}

var notFoundCodes = map[string]bool{
	"NoSuchEntity":                true,
	"RepositoryNotFoundException": true,
	"ResourceNotFoundException":   true,
	"InvalidRoute.NotFound":       true,
}

var deniedCodes = map[string]bool{
	"UnauthorizedOperation":       true,
	"AuthFailure":                 true,
	"InvalidClientTokenId":        true,
	"UnrecognizedClientException": true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"OptInRequired":               true,
}

var conflictCodes = map[string]bool{
	"EntityAlreadyExists":              true,
	"RepositoryAlreadyExistsException": true,
	"InvalidGroup.Duplicate":           true,
}

// codeFor maps an AWS error code and message onto the provider taxonomy.
func codeFor(code, msg string) api.ErrorCode {
	switch {
	case throttledCodes[code]:
		return api.CodeThrottled
	case inUseCodes[code]:
		return api.CodeInUse
	case notFoundCodes[code], strings.HasSuffix(code, ".NotFound"):
		return api.CodeNotFound
	case deniedCodes[code], strings.HasPrefix(code, "AccessDenied"):
		return api.CodePermissionDenied
	case conflictCodes[code]:
		return api.CodeConflict
	case code == "ClientException", code == "ServerException":
		return batchCode(msg)
	}
	return api.CodeUnknown
}

// batchCode classifies AWS Batch errors, which share one code and
// differ only by message.
func batchCode(msg string) api.ErrorCode {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "too many requests"), strings.Contains(m, "rate exceeded"):
		return api.CodeThrottled
	case strings.Contains(m, "relationship"), strings.Contains(m, "being modified"),
		strings.Contains(m, "must be disabled"), strings.Contains(m, "is in use"):
		return api.CodeInUse
	case strings.Contains(m, "already exists"):
		return api.CodeConflict
	case strings.Contains(m, "not authorized"), strings.Contains(m, "access denied"):
		// Freshly created roles surface as authorization failures until
		// IAM propagates them.
		if strings.Contains(m, "assume") || strings.Contains(m, "passrole") {
			return api.CodeThrottled
		}
		return api.CodePermissionDenied
	case strings.Contains(m, "is not valid"), strings.Contains(m, "not in a valid state"),
		strings.Contains(m, "instance profile"), strings.Contains(m, "iaminstanceprofile"),
		strings.Contains(m, "creating"), strings.Contains(m, "updating"):
		return api.CodeThrottled
	case strings.Contains(m, "does not exist"), strings.Contains(m, "not found"):
		return api.CodeNotFound
	}
	return api.CodeUnknown
}

// wrap classifies err as an *api.ProviderError. During create a
// NotFound means a dependency is not visible yet, which is treated as
// propagation lag.
func wrap(kind api.Kind, op, id string, err error) error {
	if err == nil {
		return nil
	}
	var pe *api.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	code := api.CodeUnknown
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code = codeFor(ae.ErrorCode(), ae.ErrorMessage())
	}
	if op == "create" && code == api.CodeNotFound {
		code = api.CodeThrottled
	}
	return &api.ProviderError{Kind: kind, Op: op, Identifier: id, Code: code, Err: err}
}

// awsCode returns the AWS error code of err, or "" for non-API errors.
func awsCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func notFound(kind api.Kind, op, id string) error {
	return &api.ProviderError{Kind: kind, Op: op, Identifier: id, Code: api.CodeNotFound}
}

func isCode(err error, code api.ErrorCode) bool {
	return api.CodeOf(err) == code
}
