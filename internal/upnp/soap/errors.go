package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// TransportError indicates the device could not be reached.
type TransportError struct {
	ControlURL string
	Action     string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upnp action %s at %s unreachable: %v", e.Action, e.ControlURL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Fault is returned for a non-200 reply to a SOAP action. It carries the
// request parameters for diagnostics.
type Fault struct {
	StatusCode  int
	Status      string
	ControlURL  string
	ServiceType string
	Action      string
	InstanceID  int
	Body        string

	// UPnP error details from the fault body, when present.
	ErrorCode        int
	ErrorDescription string
}

func (e *Fault) Error() string {
	msg := fmt.Sprintf("upnp action %s#%s failed: http %d", e.ServiceType, e.Action, e.StatusCode)
	if e.ErrorCode != 0 {
		msg += fmt.Sprintf(" (upnp error %d", e.ErrorCode)
		if e.ErrorDescription != "" {
			msg += ": " + e.ErrorDescription
		}
		msg += ")"
	}
	return msg
}

// NotImplemented reports whether the device rejected the action as unknown
// or unimplemented (UPnP 401 Invalid Action, 602 Optional Action Not
// Implemented, or HTTP 501).
func (e *Fault) NotImplemented() bool {
	switch e.ErrorCode {
	case 401, 602:
		return true
	}
	return e.StatusCode == http.StatusNotImplemented
}

func parseFault(payload []byte) (int, string) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var code int
	var desc string
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "errorCode":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				code, _ = strconv.Atoi(strings.TrimSpace(value))
			}
		case "errorDescription":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				desc = strings.TrimSpace(value)
			}
		}
	}
	return code, desc
}
