package listwatch

import (
	"encoding/json"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilnet "k8s.io/apimachinery/pkg/util/net"

	"mirror/internal/object"
)

// Discriminators are the pure error predicates the reflector classifies with.
// The core never parses error payloads itself.
type Discriminators struct {
	// IsExpired reports a resource version compacted out of the server's
	// change log.
	IsExpired func(error) bool

	// IsTooLargeResourceVersion reports a resource version ahead of what the
	// contacted server has observed.
	IsTooLargeResourceVersion func(error) bool

	// IsConnectionRefused reports a transport-level connection refusal.
	IsConnectionRefused func(error) bool
}

// DefaultDiscriminators classifies the status errors produced by this
// package's HTTP client.
func DefaultDiscriminators() Discriminators {
	return Discriminators{
		IsExpired:                 isExpiredError,
		IsTooLargeResourceVersion: isTooLargeResourceVersionError,
		IsConnectionRefused:       utilnet.IsConnectionRefused,
	}
}

func isExpiredError(err error) bool {
	// The server may report an expired resource version as either Expired or
	// Gone depending on its age.
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

func isTooLargeResourceVersionError(err error) bool {
	if apierrors.HasStatusCause(err, metav1.CauseTypeResourceVersionTooLarge) {
		return true
	}
	// Servers predating the dedicated cause type report this as a timeout
	// whose cause carries a well-known message.
	if !apierrors.IsTimeout(err) {
		return false
	}
	apierr, ok := err.(apierrors.APIStatus)
	if !ok || apierr.Status().Details == nil {
		return false
	}
	for _, cause := range apierr.Status().Details.Causes {
		if cause.Message == "Too large resource version" {
			return true
		}
	}
	return false
}

// statusFromResponse converts a non-2xx API response into a *StatusError so
// the discriminators can classify it by reason and code.
func statusFromResponse(resp *http.Response, body []byte) error {
	var status metav1.Status
	if err := json.Unmarshal(body, &status); err == nil && status.Kind == "Status" {
		return &apierrors.StatusError{ErrStatus: status}
	}

	// Not a Status envelope; synthesize one from the HTTP code.
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    int32(resp.StatusCode),
		Reason:  metav1.StatusReason(http.StatusText(resp.StatusCode)),
		Message: fmt.Sprintf("server returned %s", resp.Status),
	}}
}

// StatusError converts the status payload of an ERROR watch event into an
// error value.
func StatusError(obj object.Object) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("undecodable ERROR event payload: %w", err)
	}

	var status metav1.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("undecodable ERROR event payload: %w", err)
	}

	return &apierrors.StatusError{ErrStatus: status}
}
