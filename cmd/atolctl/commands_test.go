package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kassa-tools/atol-bridge/atol"
	"github.com/kassa-tools/atol-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const receiptYAML = `
external_id: order-17
receipt:
  client:
    email: buyer@example.com
  company:
    email: shop@example.com
    inn: "5544332219"
    payment_address: https://shop.example.com
  items:
    - name: Tea
      price: 150.5
      quantity: 1
      sum: 150.5
  payments:
    - type: 1
      sum: 150.5
  total: 150.5
`

func run(t *testing.T, factory ClientFactory, stdin string, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := newRootCmd(factory)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))

	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type fakeClient struct {
	sold     []atol.Receipt
	refunded []atol.Receipt
	err      error
}

func (f *fakeClient) Token(context.Context) (string, error) {
	return "00000000000000000000000000000001", f.err
}

func (f *fakeClient) Sell(_ context.Context, r atol.Receipt) (*atol.Operation, error) {
	f.sold = append(f.sold, r)
	return &atol.Operation{UUID: "sell-0001", Status: atol.StatusWait}, f.err
}

func (f *fakeClient) SellRefund(_ context.Context, r atol.Receipt) (*atol.Operation, error) {
	f.refunded = append(f.refunded, r)
	return &atol.Operation{UUID: "sell_refund-0001", Status: atol.StatusWait}, f.err
}

func (f *fakeClient) Report(_ context.Context, uuid string) (*atol.Report, error) {
	return &atol.Report{UUID: uuid, Status: atol.StatusDone}, f.err
}

func fakeFactory(client *fakeClient) (ClientFactory, *int) {
	released := 0
	return func(context.Context) (Client, func() error, error) {
		return client, func() error { released++; return nil }, nil
	}, &released
}

func TestSell_YAMLFile(t *testing.T) {
	client := &fakeClient{}
	factory, released := fakeFactory(client)

	out, err := run(t, factory, "", "sell", "-f", writeFile(t, "receipt.yaml", receiptYAML))
	require.NoError(t, err)

	require.Len(t, client.sold, 1)
	sold := client.sold[0]
	assert.Equal(t, "order-17", sold.ExternalID)
	assert.Equal(t, "5544332219", sold.Receipt.Company.INN)
	assert.Equal(t, 150.5, sold.Receipt.Items[0].Sum)
	assert.Equal(t, 1, sold.Receipt.Payments[0].Type)

	assert.JSONEq(t, `{"external_id":"order-17","uuid":"sell-0001","status":"wait","error":null,"timestamp":""}`, out)
	assert.Contains(t, out, "\n  \"uuid\"", "output is indented")
	assert.Equal(t, 1, *released)
}

func TestRefund_JSONFromStdin(t *testing.T) {
	client := &fakeClient{}
	factory, _ := fakeFactory(client)

	doc := `{"receipt": {"client": {"phone": "+79990001122"}, "items": [{"name": "Tea", "price": 10, "quantity": 2, "sum": 20}], "payments": [{"type": 1, "sum": 20}], "total": 20}}`

	out, err := run(t, factory, doc, "refund", "-f", "-")
	require.NoError(t, err)

	require.Len(t, client.refunded, 1)
	refunded := client.refunded[0]
	assert.Len(t, refunded.ExternalID, 36, "generated external id is a uuid")
	assert.Equal(t, "+79990001122", refunded.Receipt.Client.Phone)

	var printed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	assert.Equal(t, refunded.ExternalID, printed["external_id"])
}

func TestSell_RequiresFile(t *testing.T) {
	factory, _ := fakeFactory(&fakeClient{})

	_, err := run(t, factory, "", "sell")

	assert.ErrorContains(t, err, `required flag(s) "file" not set`)
}

func TestReadReceipt_Failures(t *testing.T) {
	cases := map[string]string{
		"not a document": "- just\n- a list\n",
		"invalid yaml":   "receipt: [unterminated\n",
		"wrong types":    "receipt:\n  items: 12\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readReceipt(writeFile(t, "receipt.yaml", content), nil)
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := readReceipt(filepath.Join(t.TempDir(), "absent.yaml"), nil)
		assert.ErrorContains(t, err, "reading receipt")
	})
}

func TestReport(t *testing.T) {
	factory, _ := fakeFactory(&fakeClient{})

	out, err := run(t, factory, "", "report", "sell-0001")
	require.NoError(t, err)

	var report atol.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "sell-0001", report.UUID)
	assert.Equal(t, atol.StatusDone, report.Status)

	_, err = run(t, factory, "", "report")
	assert.Error(t, err)
}

func TestCommands_PropagateErrors(t *testing.T) {
	client := &fakeClient{err: atol.ErrServerFailure}
	factory, released := fakeFactory(client)

	_, err := run(t, factory, "", "token")

	assert.ErrorIs(t, err, atol.ErrServerFailure)
	assert.Equal(t, 1, *released)
}

func TestCommands_FactoryFailure(t *testing.T) {
	factory := func(context.Context) (Client, func() error, error) {
		return nil, nil, errors.New("configuration load failed")
	}

	_, err := run(t, factory, "", "token")

	assert.EqualError(t, err, "configuration load failed")
}

func TestInvalidLogLevel(t *testing.T) {
	factory, _ := fakeFactory(&fakeClient{})

	_, err := run(t, factory, "", "--log-level", "loud", "token")

	assert.ErrorContains(t, err, `invalid log level "loud"`)
}

func TestNewClient_AgainstMockAPI(t *testing.T) {
	mock := testhelpers.SetupMockAtolServer(t)

	t.Setenv("ATOL_API_URL", mock.URL())
	t.Setenv("ATOL_GROUP_CODE", testhelpers.MockGroup)
	t.Setenv("ATOL_LOGIN", testhelpers.MockLogin)
	t.Setenv("ATOL_PASSWORD", testhelpers.MockPassword)
	t.Setenv("CACHE_TYPE", "file")
	t.Setenv("CACHE_FILE_DIR", t.TempDir())

	out, err := run(t, newClient, "", "token")
	require.NoError(t, err)
	assert.Equal(t, mock.CurrentToken()+"\n", out)

	// a second invocation reuses the token from the file cache
	_, err = run(t, newClient, "", "sell", "-f", writeFile(t, "receipt.yaml", receiptYAML))
	require.NoError(t, err)
	assert.Equal(t, 1, mock.TokenRequests())

	requests := mock.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPost, requests[0].Method)
	assert.Equal(t, "/"+testhelpers.MockGroup+"/sell", requests[0].Path)
}
