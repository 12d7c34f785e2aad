// Package soap invokes UPnP control actions.
package soap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/upnp/xmlpath"
)

const (
	envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	controlNS  = "urn:schemas-upnp-org:control-1-0"
)

// NoInstance omits the InstanceID argument, for actions outside AVTransport
// and RenderingControl.
const NoInstance = -1

// Client issues SOAP actions over HTTP.
type Client struct {
	log  *zap.Logger
	http *http.Client
}

// NewClient creates a SOAP client. A zero timeout leaves the transport default.
func NewClient(log *zap.Logger, timeout time.Duration) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log: log,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// NewClientWithHTTP wraps an existing HTTP client.
func NewClientWithHTTP(log *zap.Logger, httpClient *http.Client) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{log: log, http: httpClient}
}

// Invoke calls action on the service at controlURL. body is an XML fragment
// appended after InstanceID. The returned node is the <action>Response
// element, or nil when the reply has none.
func (c *Client) Invoke(ctx context.Context, controlURL string, serviceType string, action string, instanceID int, body string) (*xmlpath.Node, error) {
	var args strings.Builder
	if instanceID != NoInstance {
		args.WriteString("<InstanceID>" + strconv.Itoa(instanceID) + "</InstanceID>")
	}
	args.WriteString(body)
	envelope := buildEnvelope(serviceType, action, args.String())

	payload, status, code, err := c.post(ctx, controlURL, serviceType, action, envelope)
	if err != nil {
		return nil, &TransportError{ControlURL: controlURL, Action: action, Err: err}
	}
	if code != http.StatusOK {
		fault := &Fault{
			StatusCode:  code,
			Status:      status,
			ControlURL:  controlURL,
			ServiceType: serviceType,
			Action:      action,
			InstanceID:  instanceID,
			Body:        body,
		}
		fault.ErrorCode, fault.ErrorDescription = parseFault(payload)
		c.log.Debug("upnp soap fault",
			zap.String("endpoint", controlURL),
			zap.String("action", action),
			zap.Int("status", code),
			zap.Int("upnp_error", fault.ErrorCode),
			zap.String("body", truncateBody(string(payload), 512)))
		return nil, fault
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	doc, err := xmlpath.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", action, err)
	}
	if resp, ok := xmlpath.Find(doc, envelopeNS+"##Body", serviceType+"##"+action+"Response"); ok {
		return resp, nil
	}
	// Some renderers answer in a different service version namespace.
	if soapBody, ok := xmlpath.Find(doc, envelopeNS+"##Body"); ok {
		for _, child := range soapBody.Children {
			if child.LocalName() == action+"Response" {
				return child, nil
			}
		}
	}
	return nil, nil
}

// QueryStateVariable reads a state variable with the legacy
// QueryStateVariable action and returns its raw value.
func (c *Client) QueryStateVariable(ctx context.Context, controlURL string, varName string) (string, error) {
	const action = "QueryStateVariable"
	body := "<u:varName>" + xmlEscape(varName) + "</u:varName>"
	envelope := buildEnvelope(controlNS, action, body)
	payload, status, code, err := c.post(ctx, controlURL, controlNS, action, envelope)
	if err != nil {
		return "", &TransportError{ControlURL: controlURL, Action: action, Err: err}
	}
	if code != http.StatusOK {
		fault := &Fault{
			StatusCode:  code,
			Status:      status,
			ControlURL:  controlURL,
			ServiceType: controlNS,
			Action:      action,
			InstanceID:  NoInstance,
			Body:        body,
		}
		fault.ErrorCode, fault.ErrorDescription = parseFault(payload)
		return "", fault
	}
	doc, err := xmlpath.Parse(payload)
	if err != nil {
		return "", fmt.Errorf("parse %s response: %w", action, err)
	}
	value, _ := xmlpath.Resolve(doc, envelopeNS+"##Body", controlNS+"##"+action+"Response", "return")
	return value, nil
}

func (c *Client) post(ctx context.Context, endpoint string, serviceType string, action string, envelope string) ([]byte, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(envelope)))
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, serviceType, action))
	c.log.Debug("upnp soap request", zap.String("endpoint", endpoint), zap.String("action", action), zap.String("service", serviceType))
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("upnp soap request failed", zap.String("endpoint", endpoint), zap.String("action", action), zap.Error(err))
		return nil, "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", 0, err
	}
	c.log.Debug("upnp soap response", zap.String("endpoint", endpoint), zap.String("action", action), zap.Int("status", resp.StatusCode), zap.Int("bytes", len(body)))
	return body, resp.Status, resp.StatusCode, nil
}

func buildEnvelope(serviceType string, action string, args string) string {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="` + envelopeNS + `" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body><u:` + action + ` xmlns:u="` + serviceType + `">`)
	buf.WriteString(args)
	buf.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)
	return buf.String()
}

// Arg renders a single escaped argument element for an action body.
func Arg(name string, value string) string {
	return "<" + name + ">" + xmlEscape(value) + "</" + name + ">"
}

var xmlReplacer = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
	`'`, "&apos;",
)

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}

func truncateBody(body string, limit int) string {
	if limit <= 0 || len(body) <= limit {
		return body
	}
	return body[:limit]
}
