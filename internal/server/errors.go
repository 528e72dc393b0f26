package server

import (
	"errors"

	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrSecureTx  = errors.New("secure_tx")
	ErrContext   = errors.New("context_cancelled")
)

// errLabels is checked in order; the first match wins.
var errLabels = []struct {
	err   error
	label string
}{
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrHandshake, metrics.ErrHandshake},
	{ErrSecureTx, metrics.ErrGatewaySend},
	{ErrAccept, metrics.ErrTCPRead},
	{ErrListen, metrics.ErrTCPRead},
	{ErrContext, "context"},
}

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	for _, e := range errLabels {
		if errors.Is(err, e.err) {
			return e.label
		}
	}
	return "other"
}
