package atol

import (
	"fmt"
	"time"
)

// TimestampLayout is the date format the API expects in request documents.
const TimestampLayout = "02.01.2006 15:04:05"

// Processing states reported for a submitted document.
const (
	StatusWait = "wait"
	StatusDone = "done"
	StatusFail = "fail"
)

// FormatTimestamp renders t in the API's request timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Receipt is the request document for sell and sell_refund.
type Receipt struct {
	ExternalID string   `json:"external_id"`
	Receipt    Document `json:"receipt"`
	Service    *Service `json:"service,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

type Document struct {
	Client   Customer  `json:"client"`
	Company  Company   `json:"company"`
	Items    []Item    `json:"items"`
	Payments []Payment `json:"payments"`
	Vats     []Vat     `json:"vats,omitempty"`
	Total    float64   `json:"total"`
}

type Customer struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
	INN   string `json:"inn,omitempty"`
}

type Company struct {
	Email          string `json:"email"`
	SNO            string `json:"sno,omitempty"`
	INN            string `json:"inn"`
	PaymentAddress string `json:"payment_address"`
}

type Item struct {
	Name            string  `json:"name"`
	Price           float64 `json:"price"`
	Quantity        float64 `json:"quantity"`
	Sum             float64 `json:"sum"`
	MeasurementUnit string  `json:"measurement_unit,omitempty"`
	PaymentMethod   string  `json:"payment_method,omitempty"`
	PaymentObject   string  `json:"payment_object,omitempty"`
	Vat             *Vat    `json:"vat,omitempty"`
}

type Payment struct {
	Type int     `json:"type"`
	Sum  float64 `json:"sum"`
}

type Vat struct {
	Type string  `json:"type"`
	Sum  float64 `json:"sum,omitempty"`
}

type Service struct {
	CallbackURL string `json:"callback_url,omitempty"`
}

// Validate performs the local checks that would otherwise only fail after a
// round trip to the API. Besides an external id and items, the v4 schema
// requires a payment and a client email or phone, which the API uses to
// deliver the electronic receipt.
func (r Receipt) Validate() error {
	if r.ExternalID == "" {
		return fmt.Errorf("%w: external_id is required", ErrInvalidReceipt)
	}
	if len(r.Receipt.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidReceipt)
	}
	if len(r.Receipt.Payments) == 0 {
		return fmt.Errorf("%w: at least one payment is required", ErrInvalidReceipt)
	}
	if r.Receipt.Client.Email == "" && r.Receipt.Client.Phone == "" {
		return fmt.Errorf("%w: client email or phone is required", ErrInvalidReceipt)
	}
	return nil
}

// Operation is the response to sell and sell_refund.
type Operation struct {
	UUID      string     `json:"uuid"`
	Status    string     `json:"status"`
	Error     *ErrorBody `json:"error"`
	Timestamp string     `json:"timestamp"`
}

// Report is the processing report for a submitted document.
type Report struct {
	UUID        string         `json:"uuid"`
	Status      string         `json:"status"`
	Error       *ErrorBody     `json:"error"`
	Payload     *ReportPayload `json:"payload"`
	Timestamp   string         `json:"timestamp"`
	GroupCode   string         `json:"group_code"`
	DaemonCode  string         `json:"daemon_code"`
	DeviceCode  string         `json:"device_code"`
	ExternalID  string         `json:"external_id"`
	CallbackURL string         `json:"callback_url"`
}

// ReportPayload carries the fiscal attributes of a processed document.
type ReportPayload struct {
	Total                   float64 `json:"total"`
	FNSSite                 string  `json:"fns_site"`
	FNNumber                string  `json:"fn_number"`
	ShiftNumber             int     `json:"shift_number"`
	ReceiptDatetime         string  `json:"receipt_datetime"`
	FiscalReceiptNumber     int     `json:"fiscal_receipt_number"`
	FiscalDocumentNumber    int     `json:"fiscal_document_number"`
	ECRRegistrationNumber   string  `json:"ecr_registration_number"`
	FiscalDocumentAttribute int64   `json:"fiscal_document_attribute"`
}

// Done reports whether processing has finished, successfully or not.
func (r Report) Done() bool {
	return r.Status == StatusDone || r.Status == StatusFail
}
