// Package drive implements the remote.Drive capability set on the Google
// Drive v3 API.
//
// This file classifies API failures into the shared error taxonomy.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/gdrive-zipbackup/remote"
)

// classifyError sorts an API error into the shared taxonomy: transient
// conditions wrap remote.ErrTransient, definitive refusals wrap
// remote.ErrPermanent, and cancellation passes through untouched.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		// Rate limiting surfaces as 403 with a reason, or as 429
		if gerr.Code == 403 {
			for _, e := range gerr.Errors {
				switch e.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded":
					return fmt.Errorf("%w: %v", remote.ErrTransient, err)
				}
			}
			if strings.Contains(gerr.Message, "Rate Limit Exceeded") {
				return fmt.Errorf("%w: %v", remote.ErrTransient, err)
			}
			return fmt.Errorf("%w: %v", remote.ErrPermanent, err)
		}
		if gerr.Code == 429 {
			return fmt.Errorf("%w: %v", remote.ErrTransient, err)
		}
		// All 5xx errors should be retried
		if gerr.Code >= 500 && gerr.Code < 600 {
			return fmt.Errorf("%w: %v", remote.ErrTransient, err)
		}
		if gerr.Code == 404 {
			return fmt.Errorf("%w: %v", remote.ErrObjectNotFound, err)
		}
		if gerr.Code >= 400 && gerr.Code < 500 {
			return fmt.Errorf("%w: %v", remote.ErrPermanent, err)
		}
	}

	// Dropped connections and read timeouts are worth another try
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}
	for _, needle := range []string{
		"429 Too Many Requests",
		"connection reset by peer",
		"net/http: timeout awaiting response headers",
		"net/http: TLS handshake timeout",
		"http: can't write HTTP request on broken connection",
	} {
		if strings.Contains(err.Error(), needle) {
			return fmt.Errorf("%w: %v", remote.ErrTransient, err)
		}
	}

	// Leave everything else unclassified; the retry policy treats generic
	// errors as local I/O
	return err
}

// shouldRetryCall is the pacer-level classifier for metadata calls.
func shouldRetryCall(err error) bool {
	return remote.IsTransient(classifyError(err))
}
