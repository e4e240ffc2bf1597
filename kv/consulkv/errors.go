package consulkv

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"syscall"

	"pkt.systems/consulhelper/kv"
)

var responseCodePattern = regexp.MustCompile(`Unexpected response code: (\d{3})`)

// responseCode extracts the HTTP status from an api error, or 0.
func responseCode(err error) int {
	if err == nil {
		return 0
	}
	m := responseCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// classify marks agent-unreachable and server-side failures as transient.
// Client errors (ACL denied, bad request) and caller cancellation stay fatal.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	if isTransient(err) {
		return kv.NewTransientError(err)
	}
	return err
}

func isTransient(err error) bool {
	if code := responseCode(err); code != 0 {
		return code >= 500 || code == 429
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
