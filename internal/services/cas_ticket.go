package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// maxValidationBody caps how much of a serviceValidate answer is read.
const maxValidationBody = 1 << 20

// ExternalIdentity is what the CAS server asserted about the user behind a
// ticket. It is consumed by the reconciler and never stored as-is.
type ExternalIdentity struct {
	ExternalID string
	Username   string
	Attributes map[string]string
}

// Attr returns the named attribute or "".
func (e *ExternalIdentity) Attr(name string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[name]
}

// TicketValidator exchanges a single-use service ticket for an identity.
type TicketValidator interface {
	ValidateTicket(ctx context.Context, cfg CASConfig, ticket, service string) (*ExternalIdentity, error)
}

// CASTicketValidator speaks CAS 3.0 serviceValidate. Tickets are single use,
// so a failed call is never retried.
type CASTicketValidator struct {
	client *http.Client
}

func NewCASTicketValidator(timeout time.Duration) *CASTicketValidator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CASTicketValidator{client: &http.Client{Timeout: timeout}}
}

func serviceValidateURL(cfg CASConfig, ticket, service string) string {
	q := url.Values{}
	q.Set("ticket", ticket)
	q.Set("service", service)
	return cfg.casPath("p3/serviceValidate") + "?" + q.Encode()
}

func (v *CASTicketValidator) ValidateTicket(ctx context.Context, cfg CASConfig, ticket, service string) (*ExternalIdentity, error) {
	if strings.TrimSpace(ticket) == "" {
		return nil, protocolError(ReasonTicketInvalid, nil, "empty ticket")
	}

	body, err := v.fetch(ctx, serviceValidateURL(cfg, ticket, service))
	if err != nil {
		return nil, err
	}
	return parseServiceResponse(body)
}

func (v *CASTicketValidator) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, protocolError(ReasonServerUnreachable, err, "build validation request")
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, protocolError(ReasonServerUnreachable, err, "validate ticket")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, protocolError(ReasonServerUnreachable, nil, "cas server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxValidationBody))
	if err != nil {
		return nil, protocolError(ReasonServerUnreachable, err, "read validation response")
	}
	return body, nil
}

// parseServiceResponse maps a <cas:serviceResponse> document to an identity.
// Element lookups ignore the namespace prefix.
func parseServiceResponse(body []byte) (*ExternalIdentity, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, protocolError(ReasonMalformedResponse, err, "parse validation response")
	}

	root := doc.Root()
	if root == nil || root.Tag != "serviceResponse" {
		return nil, protocolError(ReasonMalformedResponse, nil, "missing serviceResponse element")
	}

	if failure := root.SelectElement("authenticationFailure"); failure != nil {
		code := failure.SelectAttrValue("code", "UNKNOWN")
		return nil, protocolError(ReasonTicketInvalid, nil, "%s: %s", code, strings.TrimSpace(failure.Text()))
	}

	success := root.SelectElement("authenticationSuccess")
	if success == nil {
		return nil, protocolError(ReasonMalformedResponse, nil, "neither authenticationSuccess nor authenticationFailure present")
	}

	userEl := success.SelectElement("user")
	if userEl == nil || strings.TrimSpace(userEl.Text()) == "" {
		return nil, protocolError(ReasonMalformedResponse, nil, "authenticationSuccess without user")
	}

	identity := &ExternalIdentity{
		ExternalID: strings.TrimSpace(userEl.Text()),
		Attributes: map[string]string{},
	}
	if attrs := success.SelectElement("attributes"); attrs != nil {
		for _, el := range attrs.ChildElements() {
			if _, seen := identity.Attributes[el.Tag]; seen {
				continue
			}
			identity.Attributes[el.Tag] = strings.TrimSpace(el.Text())
		}
	}

	identity.Username = identity.ExternalID
	if name := identity.Attributes["username"]; name != "" {
		identity.Username = name
	}
	return identity, nil
}

// probeServiceValidate calls serviceValidate with a throwaway ticket. Any
// well-formed CAS answer, including a rejection, proves the endpoint is live.
func (v *CASTicketValidator) probeServiceValidate(ctx context.Context, cfg CASConfig) error {
	service := cfg.ServiceURL
	if service == "" {
		service = "http://localhost"
	}
	body, err := v.fetch(ctx, serviceValidateURL(cfg, "ST-casbridge-probe", service))
	if err != nil {
		return err
	}
	_, err = parseServiceResponse(body)
	if err == nil || errors.Is(err, ErrTicketInvalid) {
		return nil
	}
	return fmt.Errorf("unexpected answer from serviceValidate: %w", err)
}
