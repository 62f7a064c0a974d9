package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const casSuccessXML = `<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">
  <cas:authenticationSuccess>
    <cas:user>zera</cas:user>
    <cas:attributes>
      <cas:email>zera@example.com</cas:email>
      <cas:displayName>Zera</cas:displayName>
      <cas:groups>first</cas:groups>
      <cas:groups>second</cas:groups>
    </cas:attributes>
  </cas:authenticationSuccess>
</cas:serviceResponse>`

const casFailureXML = `<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">
  <cas:authenticationFailure code="INVALID_TICKET">Ticket ST-1 not recognized</cas:authenticationFailure>
</cas:serviceResponse>`

func casServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/cas/built-in/app-casbridge/p3/serviceValidate", r.URL.Path)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func configFor(srv *httptest.Server) CASConfig {
	cfg := enabledCASConfig()
	cfg.ServerURL = srv.URL
	return cfg
}

func TestValidateTicket_Success(t *testing.T) {
	var gotTicket, gotService string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTicket = r.URL.Query().Get("ticket")
		gotService = r.URL.Query().Get("service")
		w.Write([]byte(casSuccessXML))
	}))
	defer srv.Close()

	v := NewCASTicketValidator(time.Second)
	identity, err := v.ValidateTicket(context.Background(), configFor(srv), "ST-1", "https://app/cb?x=1")
	require.NoError(t, err)

	assert.Equal(t, "ST-1", gotTicket)
	assert.Equal(t, "https://app/cb?x=1", gotService)
	assert.Equal(t, "zera", identity.ExternalID)
	assert.Equal(t, "zera", identity.Username)
	assert.Equal(t, "zera@example.com", identity.Attr("email"))
	assert.Equal(t, "Zera", identity.Attr("displayName"))
	assert.Equal(t, "first", identity.Attr("groups"), "first value wins")
}

func TestValidateTicket_UsernameAttributeOverridesUser(t *testing.T) {
	body := `<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">
  <cas:authenticationSuccess>
    <cas:user>8f14e45f-ceea</cas:user>
    <cas:attributes><cas:username>zera</cas:username></cas:attributes>
  </cas:authenticationSuccess>
</cas:serviceResponse>`
	srv, _ := casServer(t, http.StatusOK, body)

	identity, err := NewCASTicketValidator(time.Second).ValidateTicket(context.Background(), configFor(srv), "ST-1", "svc")
	require.NoError(t, err)
	assert.Equal(t, "8f14e45f-ceea", identity.ExternalID)
	assert.Equal(t, "zera", identity.Username)
}

func TestValidateTicket_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rejected ticket", http.StatusOK, casFailureXML, ErrTicketInvalid},
		{"server error", http.StatusInternalServerError, "oops", ErrServerUnreachable},
		{"not xml", http.StatusOK, "<html><body>login</body>", ErrMalformedResponse},
		{"wrong root", http.StatusOK, "<response/>", ErrMalformedResponse},
		{"success without user", http.StatusOK,
			`<cas:serviceResponse xmlns:cas="x"><cas:authenticationSuccess/></cas:serviceResponse>`, ErrMalformedResponse},
		{"empty response", http.StatusOK,
			`<cas:serviceResponse xmlns:cas="x"></cas:serviceResponse>`, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := casServer(t, tt.status, tt.body)
			_, err := NewCASTicketValidator(time.Second).ValidateTicket(context.Background(), configFor(srv), "ST-1", "svc")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateTicket_FailureCodeInMessage(t *testing.T) {
	srv, _ := casServer(t, http.StatusOK, casFailureXML)
	_, err := NewCASTicketValidator(time.Second).ValidateTicket(context.Background(), configFor(srv), "ST-1", "svc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_TICKET")
}

func TestValidateTicket_EmptyTicketSkipsNetwork(t *testing.T) {
	srv, hits := casServer(t, http.StatusOK, casSuccessXML)
	_, err := NewCASTicketValidator(time.Second).ValidateTicket(context.Background(), configFor(srv), "  ", "svc")
	assert.ErrorIs(t, err, ErrTicketInvalid)
	assert.Equal(t, int32(0), hits.Load())
}

func TestValidateTicket_TimeoutIsUnreachableAndNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewCASTicketValidator(50*time.Millisecond).ValidateTicket(context.Background(), configFor(srv), "ST-1", "svc")
	assert.ErrorIs(t, err, ErrServerUnreachable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestValidateTicket_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := configFor(srv)
	srv.Close()

	_, err := NewCASTicketValidator(time.Second).ValidateTicket(context.Background(), cfg, "ST-1", "svc")
	assert.ErrorIs(t, err, ErrServerUnreachable)
}

func TestProbeServiceValidate(t *testing.T) {
	srv, _ := casServer(t, http.StatusOK, casFailureXML)
	assert.NoError(t, NewCASTicketValidator(time.Second).probeServiceValidate(context.Background(), configFor(srv)))

	bad, _ := casServer(t, http.StatusOK, "<html/>")
	assert.Error(t, NewCASTicketValidator(time.Second).probeServiceValidate(context.Background(), configFor(bad)))
}
