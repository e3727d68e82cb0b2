package atol_test

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/kassa-tools/atol-bridge/atol"
	"github.com/kassa-tools/atol-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, time.February, 1, 10, 0, 0, 0, time.UTC)

func testReceipt() atol.Receipt {
	return atol.Receipt{
		ExternalID: "order-17",
		Receipt: atol.Document{
			Client: atol.Customer{Email: "buyer@example.com"},
			Company: atol.Company{
				Email:          "shop@example.com",
				INN:            "5544332219",
				PaymentAddress: "https://shop.example.com",
			},
			Items: []atol.Item{
				{Name: "Tea", Price: 150.5, Quantity: 1, Sum: 150.5, Vat: &atol.Vat{Type: "vat20"}},
			},
			Payments: []atol.Payment{{Type: 1, Sum: 150.5}},
			Total:    150.5,
		},
	}
}

func newClient(t *testing.T, mock *testhelpers.MockAtolServer, opts ...atol.ClientOption) *atol.Client {
	t.Helper()

	opts = append([]atol.ClientOption{atol.WithClock(func() time.Time { return fixedTime })}, opts...)
	client, err := atol.New(atol.Config{
		APIURL:    mock.URL(),
		GroupCode: testhelpers.MockGroup,
		Login:     testhelpers.MockLogin,
		Password:  testhelpers.MockPassword,
	}, opts...)
	require.NoError(t, err)

	return client
}

func TestNew_InvalidConfig(t *testing.T) {
	valid := atol.Config{
		APIURL:    "https://online.atol.ru/possystem/v4/",
		GroupCode: "group",
		Login:     "login",
		Password:  "pass",
	}

	cases := []struct {
		name   string
		modify func(*atol.Config)
	}{
		{"relative url", func(c *atol.Config) { c.APIURL = "possystem/v4" }},
		{"unparseable url", func(c *atol.Config) { c.APIURL = "http://[::1" }},
		{"missing group", func(c *atol.Config) { c.GroupCode = "" }},
		{"nested group", func(c *atol.Config) { c.GroupCode = "group/other" }},
		{"parent group", func(c *atol.Config) { c.GroupCode = ".." }},
		{"missing login", func(c *atol.Config) { c.Login = "" }},
		{"missing password", func(c *atol.Config) { c.Password = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.modify(&cfg)

			_, err := atol.New(cfg)
			assert.ErrorIs(t, err, atol.ErrInvalidConfig)
		})
	}

	_, err := atol.New(valid)
	assert.NoError(t, err)
}

func TestClient_Sell(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	op, err := client.Sell(t.Context(), testReceipt())
	require.NoError(t, err)

	assert.Equal(t, "sell-0001", op.UUID)
	assert.Equal(t, atol.StatusWait, op.Status)

	requests := mock.Requests()
	require.Len(t, requests, 1)

	req := requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/test-group/sell", req.Path)
	assert.Equal(t, mock.CurrentToken(), req.Token)
	assert.Equal(t, "order-17", req.Body["external_id"])
	assert.Equal(t, "01.02.2026 10:00:00", req.Body["timestamp"])
}

func TestClient_SellRefund(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	receipt := testReceipt()
	receipt.Timestamp = "31.01.2026 23:59:59"

	op, err := client.SellRefund(t.Context(), receipt)
	require.NoError(t, err)
	assert.Equal(t, "sell_refund-0001", op.UUID)

	requests := mock.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "/test-group/sell_refund", requests[0].Path)
	assert.Equal(t, "31.01.2026 23:59:59", requests[0].Body["timestamp"], "caller timestamps are kept")
}

func TestClient_ReusesToken(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	for range 3 {
		_, err := client.Sell(t.Context(), testReceipt())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, mock.TokenRequests())
}

func TestClient_RefreshesRejectedTokenOnce(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	first, err := client.Token(t.Context())
	require.NoError(t, err)

	mock.ExpireToken()

	op, err := client.Sell(t.Context(), testReceipt())
	require.NoError(t, err)
	assert.Equal(t, atol.StatusWait, op.Status)

	assert.Equal(t, 2, mock.TokenRequests())

	requests := mock.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, first, requests[0].Token)
	assert.Equal(t, mock.CurrentToken(), requests[1].Token)
	assert.NotEqual(t, first, requests[1].Token)
}

func TestClient_UnauthorizedAfterRefresh(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	rejection := testhelpers.Reply{Status: http.StatusUnauthorized, Body: testhelpers.ErrorDocument(11, "token expired", "system")}
	mock.QueueReply(rejection)
	mock.QueueReply(rejection)

	_, err := client.Sell(t.Context(), testReceipt())

	require.ErrorIs(t, err, atol.ErrUnauthorized)

	var apiErr *atol.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, 11, apiErr.Body.Code)

	assert.Len(t, mock.Requests(), 2, "request is resent exactly once")
	assert.Equal(t, 2, mock.TokenRequests())
}

func TestClient_ServerFailureIsFatal(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	mock.QueueReply(testhelpers.Reply{Status: http.StatusInternalServerError, Body: "Internal Server Error"})

	_, err := client.Sell(t.Context(), testReceipt())

	require.ErrorIs(t, err, atol.ErrServerFailure)

	var apiErr *atol.APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Len(t, mock.Requests(), 1)
	assert.Equal(t, 1, mock.TokenRequests())
}

func TestClient_ErrorResponses(t *testing.T) {
	cases := []struct {
		name            string
		reply           testhelpers.Reply
		expectedStatus  int
		expectedCode    int
		expectedPayload bool
	}{
		{
			name:            "validation error",
			reply:           testhelpers.Reply{Status: http.StatusBadRequest, Body: testhelpers.ErrorDocument(32, "validation failed", "system")},
			expectedStatus:  http.StatusBadRequest,
			expectedCode:    32,
			expectedPayload: true,
		},
		{
			name:            "conflict",
			reply:           testhelpers.Reply{Status: http.StatusConflict, Body: testhelpers.ErrorDocument(33, "duplicate external_id", "system")},
			expectedStatus:  http.StatusConflict,
			expectedCode:    33,
			expectedPayload: true,
		},
		{
			name:           "gateway failure without document",
			reply:          testhelpers.Reply{Status: http.StatusBadGateway, Body: "<html>bad gateway</html>"},
			expectedStatus: http.StatusBadGateway,
		},
		{
			name:            "document without error object",
			reply:           testhelpers.Reply{Status: http.StatusNotFound, Body: map[string]any{"status": "fail"}},
			expectedStatus:  http.StatusNotFound,
			expectedPayload: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := testhelpers.SetupMockAtolServer(t)
			client := newClient(t, mock)

			mock.QueueReply(tc.reply)

			_, err := client.Sell(t.Context(), testReceipt())

			var apiErr *atol.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "sell", apiErr.Operation)
			assert.Equal(t, tc.expectedStatus, apiErr.StatusCode)
			assert.Equal(t, tc.expectedPayload, apiErr.Payload != nil)

			if tc.expectedCode != 0 {
				require.NotNil(t, apiErr.Body)
				assert.Equal(t, tc.expectedCode, apiErr.Body.Code)
			} else {
				assert.Nil(t, apiErr.Body)
			}

			assert.NotErrorIs(t, err, atol.ErrUnauthorized)
			assert.Len(t, mock.Requests(), 1, "errors other than 401 are not retried")
		})
	}
}

func TestClient_InvalidReceiptNotSent(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	receipt := testReceipt()
	receipt.Receipt.Items = nil

	_, err := client.Sell(t.Context(), receipt)

	assert.ErrorIs(t, err, atol.ErrInvalidReceipt)
	assert.Empty(t, mock.Requests())
	assert.Zero(t, mock.TokenRequests())
}

func TestClient_Report(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	report, err := client.Report(t.Context(), "sell-0001")
	require.NoError(t, err)

	assert.Equal(t, "sell-0001", report.UUID)
	assert.True(t, report.Done())
	assert.Equal(t, testhelpers.MockGroup, report.GroupCode)
	require.NotNil(t, report.Payload)
	assert.Equal(t, 150.5, report.Payload.Total)
	assert.Equal(t, "9999078900012345", report.Payload.FNNumber)
	assert.Equal(t, int64(3449555941), report.Payload.FiscalDocumentAttribute)

	requests := mock.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodGet, requests[0].Method)
	assert.Equal(t, "/test-group/report/sell-0001", requests[0].Path)
}

func TestClient_ReportRejectsUUIDOutsideGroup(t *testing.T) {
	uuids := []string{
		"",
		".",
		"..",
		"../../other-group/report/abc",
		"sell-0001/../../other-group",
		`..\other-group`,
	}

	for _, uuid := range uuids {
		t.Run(uuid, func(t *testing.T) {
			mock := testhelpers.SetupMockAtolServer(t)
			client := newClient(t, mock)

			_, err := client.Report(t.Context(), uuid)

			require.ErrorIs(t, err, atol.ErrInvalidRequest)
			assert.Empty(t, mock.Requests())
			assert.Zero(t, mock.TokenRequests())
		})
	}
}

func TestClient_Do(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)
	client := newClient(t, mock)

	doc, err := client.Do(t.Context(), "get", "/report/sell-0007/", nil)
	require.NoError(t, err)

	assert.Equal(t, "sell-0007", doc["uuid"])
	assert.Equal(t, "/test-group/report/sell-0007", mock.Requests()[0].Path)

	mock.QueueReply(testhelpers.Reply{Status: http.StatusInternalServerError})

	_, err = client.Do(t.Context(), http.MethodPost, "sell", map[string]any{"external_id": "raw"})
	assert.ErrorIs(t, err, atol.ErrServerFailure)
	assert.Equal(t, "raw", mock.Requests()[1].Body["external_id"])
}

func TestClient_DoRejectsPathOutsideGroup(t *testing.T) {
	paths := []string{
		"",
		"/",
		"..",
		"../other-group/sell",
		"report/../../other-group/report/abc",
		"report//sell-0001",
	}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			mock := testhelpers.SetupMockAtolServer(t)
			client := newClient(t, mock)

			_, err := client.Do(t.Context(), http.MethodGet, path, nil)

			require.ErrorIs(t, err, atol.ErrInvalidRequest)
			assert.Empty(t, mock.Requests())
		})
	}
}

func TestClient_TokenFailures(t *testing.T) {
	cases := []struct {
		name     string
		password string
		reply    *testhelpers.Reply
		target   error
		message  string
	}{
		{
			name:     "bad credentials",
			password: "wrong",
			target:   atol.ErrTokenRejected,
			message:  "code 12",
		},
		{
			name:   "server failure",
			reply:  &testhelpers.Reply{Status: http.StatusInternalServerError},
			target: atol.ErrServerFailure,
		},
		{
			name:   "malformed token",
			reply:  &testhelpers.Reply{Body: map[string]any{"error": nil, "token": "short", "timestamp": "01.02.2026 10:00:00"}},
			target: atol.ErrTokenRejected,
		},
		{
			name:   "undecodable response",
			reply:  &testhelpers.Reply{Status: http.StatusBadGateway, Body: "<html>"},
			target: atol.ErrTokenRejected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := testhelpers.SetupMockAtolServer(t)
			if tc.reply != nil {
				mock.QueueTokenReply(*tc.reply)
			}

			password := testhelpers.MockPassword
			if tc.password != "" {
				password = tc.password
			}

			client, err := atol.New(atol.Config{
				APIURL:    mock.URL(),
				GroupCode: testhelpers.MockGroup,
				Login:     testhelpers.MockLogin,
				Password:  password,
			})
			require.NoError(t, err)

			_, err = client.Sell(t.Context(), testReceipt())

			require.ErrorIs(t, err, tc.target)
			assert.ErrorContains(t, err, tc.message)
			assert.Empty(t, mock.Requests(), "no receipt is sent without a token")
		})
	}
}

func TestClient_SharedTokenStore(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)

	store, err := atol.NewMemoryStore(4)
	require.NoError(t, err)

	first := newClient(t, mock, atol.WithTokenStore(store))
	second := newClient(t, mock, atol.WithTokenStore(store))

	_, err = first.Sell(t.Context(), testReceipt())
	require.NoError(t, err)
	_, err = second.Sell(t.Context(), testReceipt())
	require.NoError(t, err)

	assert.Equal(t, 1, mock.TokenRequests())
}

func TestClient_TokenExpiresAfterTTL(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)

	now := fixedTime
	client, err := atol.New(atol.Config{
		APIURL:    mock.URL(),
		GroupCode: testhelpers.MockGroup,
		Login:     testhelpers.MockLogin,
		Password:  testhelpers.MockPassword,
		TokenTTL:  time.Hour,
	}, atol.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = client.Token(t.Context())
	require.NoError(t, err)

	now = now.Add(59 * time.Minute)
	_, err = client.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.TokenRequests())

	now = now.Add(2 * time.Minute)
	_, err = client.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, mock.TokenRequests())
}

func TestTokenKey(t *testing.T) {
	base, err := url.Parse("https://online.atol.ru/possystem/v4/")
	require.NoError(t, err)

	assert.Equal(t, "token://online.atol.ru/possystem/v4/shop-login", atol.TokenKey(base, "shop-login"))
}
