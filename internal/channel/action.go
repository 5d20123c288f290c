package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verb is the closed set of operator button actions.
//
// Callback payloads use the wire form "<verb>_<requestId>". Decoding happens
// once, at the ingestion boundary; everything downstream dispatches on the
// decoded variant instead of re-parsing strings.
type Verb int

const (
	// Connection request verbs.
	VerbApprove  Verb = iota + 1 // pending -> awaiting_value
	VerbReject                   // pending/awaiting_value -> rejected
	VerbCancel                   // awaiting_value -> pending
	VerbSetValue                 // awaiting_value -> accepted (preset amount)

	// License request verbs.
	VerbLicenseApprove
	VerbLicenseReject
)

const (
	wireApprove        = "approve"
	wireReject         = "reject"
	wireCancel         = "cancel"
	wireValuePrefix    = "value" // value<amount>_<id>
	wireLicenseApprove = "licapprove"
	wireLicenseReject  = "licreject"
)

// ErrUnknownVerb marks callback payloads outside the closed verb set.
// The ingestion loop drops these without failing the batch.
var ErrUnknownVerb = errors.New("channel: unknown callback verb")

// ButtonPress is a decoded callback payload.
// Value is only meaningful for VerbSetValue.
type ButtonPress struct {
	Verb      Verb
	RequestID string
	Value     float64
}

// EncodeCallback builds the "<verb>_<requestId>" payload for a button.
func EncodeCallback(v Verb, requestID string) string {
	return verbWire(v) + "_" + requestID
}

// EncodeValueCallback builds the preset-amount payload "value<amount>_<id>".
// The amount is rendered without a decimal point when whole to keep the
// payload inside Telegram's 64-byte callback data limit.
func EncodeValueCallback(requestID string, amount float64) string {
	return wireValuePrefix + strconv.FormatFloat(amount, 'f', -1, 64) + "_" + requestID
}

func verbWire(v Verb) string {
	switch v {
	case VerbApprove:
		return wireApprove
	case VerbReject:
		return wireReject
	case VerbCancel:
		return wireCancel
	case VerbLicenseApprove:
		return wireLicenseApprove
	case VerbLicenseReject:
		return wireLicenseReject
	default:
		return "unknown"
	}
}

// DecodeCallback parses a "<verb>_<requestId>" payload into a ButtonPress.
// The verb never contains an underscore, so the first underscore is the
// separator; request IDs are ULIDs / short keys and never contain one either.
func DecodeCallback(data string) (ButtonPress, error) {
	verb, id, ok := strings.Cut(data, "_")
	if !ok || verb == "" || id == "" {
		return ButtonPress{}, fmt.Errorf("%w: %q", ErrUnknownVerb, data)
	}

	switch verb {
	case wireApprove:
		return ButtonPress{Verb: VerbApprove, RequestID: id}, nil
	case wireReject:
		return ButtonPress{Verb: VerbReject, RequestID: id}, nil
	case wireCancel:
		return ButtonPress{Verb: VerbCancel, RequestID: id}, nil
	case wireLicenseApprove:
		return ButtonPress{Verb: VerbLicenseApprove, RequestID: id}, nil
	case wireLicenseReject:
		return ButtonPress{Verb: VerbLicenseReject, RequestID: id}, nil
	}

	if rest, ok := strings.CutPrefix(verb, wireValuePrefix); ok && rest != "" {
		amount, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return ButtonPress{}, fmt.Errorf("%w: bad amount in %q", ErrUnknownVerb, data)
		}
		return ButtonPress{Verb: VerbSetValue, RequestID: id, Value: amount}, nil
	}

	return ButtonPress{}, fmt.Errorf("%w: %q", ErrUnknownVerb, data)
}
