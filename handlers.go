package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kassa-tools/atol-bridge/atol"
	"github.com/kassa-tools/atol-bridge/internal/audit"
	"github.com/kassa-tools/atol-bridge/internal/journal"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// ReceiptAPI is the part of atol.Client the bridge exposes.
type ReceiptAPI interface {
	Sell(ctx context.Context, receipt atol.Receipt) (*atol.Operation, error)
	SellRefund(ctx context.Context, receipt atol.Receipt) (*atol.Operation, error)
	Report(ctx context.Context, uuid string) (*atol.Report, error)
}

// Journal records receipts submitted through the bridge.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	UpdateStatus(ctx context.Context, uuid, status, errText string) error
	ByExternalID(ctx context.Context, id, operation string) (journal.Entry, error)
}

type submitFunc func(ctx context.Context, receipt atol.Receipt) (*atol.Operation, error)

func handlePostReceipt(operation string, submit submitFunc, receipts Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Operation = operation

		var receipt atol.Receipt
		if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
			entry.Error = fmt.Sprintf("undecodable receipt: %v", err)

			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "receipt too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "request body is not a valid receipt")
			return
		}
		entry.ExternalID = receipt.ExternalID

		op, err := submit(r.Context(), receipt)
		if err != nil {
			log.Info().Err(err).Str("operation", operation).Str("external_id", receipt.ExternalID).Msg("receipt submission failed")
			writeAtolError(w, r, err)
			return
		}

		entry.UUID = op.UUID
		entry.DocumentStatus = op.Status

		record := journal.Entry{
			ExternalID: receipt.ExternalID,
			Operation:  operation,
			UUID:       op.UUID,
			Status:     op.Status,
		}
		if op.Error != nil {
			record.Error = op.Error.String()
		}
		// the receipt is already with Atol: the caller still needs the uuid
		if err := receipts.Record(r.Context(), record); err != nil {
			log.Error().Err(err).Str("external_id", receipt.ExternalID).Str("uuid", op.UUID).Msg("journal write failed")
			entry.Error = fmt.Sprintf("journal write failed: %v", err)
		}

		writeJSON(w, http.StatusOK, op)
	})
}

func handleGetReport(api ReceiptAPI, receipts Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		uuid := r.PathValue("uuid")

		entry := audit.Log(r.Context())
		entry.Operation = "report"
		entry.UUID = uuid

		report, err := api.Report(r.Context(), uuid)
		if err != nil {
			log.Info().Err(err).Str("uuid", uuid).Msg("report request failed")
			writeAtolError(w, r, err)
			return
		}

		entry.ExternalID = report.ExternalID
		entry.DocumentStatus = report.Status

		var errText string
		if report.Error != nil {
			errText = report.Error.String()
			entry.AtolErrorCode = report.Error.Code
		}

		err = receipts.UpdateStatus(r.Context(), uuid, report.Status, errText)
		switch {
		case errors.Is(err, journal.ErrNotFound):
			// submitted by another client of the same account
			log.Debug().Str("uuid", uuid).Msg("report for a receipt not in the journal")
		case err != nil:
			log.Error().Err(err).Str("uuid", uuid).Msg("journal update failed")
			entry.Error = fmt.Sprintf("journal update failed: %v", err)
		}

		writeJSON(w, http.StatusOK, report)
	})
}

func handleGetOperation(receipts Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		externalID := r.PathValue("externalID")
		audit.Log(r.Context()).ExternalID = externalID

		// without ?operation= the most recent operation is returned
		record, err := receipts.ByExternalID(r.Context(), externalID, r.URL.Query().Get("operation"))
		if err != nil {
			audit.Log(r.Context()).Error = err.Error()
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, record)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeAtolError reports a failed Atol call. Rejections by Atol are echoed
// with the error document Atol returned.
func writeAtolError(w http.ResponseWriter, r *http.Request, err error) {
	entry := audit.Log(r.Context())
	entry.Error = err.Error()

	var apiErr *atol.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Body != nil {
			entry.AtolErrorCode = apiErr.Body.Code
		}
		if apiErr.Payload != nil {
			writeJSON(w, http.StatusBadGateway, apiErr.Payload)
			return
		}
	}

	status, message := errorStatus(err)
	writeJSONError(w, status, message)
}

// errorStatus maps an error to the status and message returned to the
// client. Errors that don't implement HTTPStatuser and are not known
// failures are reported as internal errors.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}

	var apiErr *atol.APIError
	switch {
	case errors.Is(err, atol.ErrInvalidReceipt), errors.Is(err, atol.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, apiErr.Error()
	case errors.Is(err, atol.ErrServerFailure), errors.Is(err, atol.ErrTokenRejected):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, http.StatusText(http.StatusGatewayTimeout)
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		// the status is already written: logging is all that's left
		log.Info().Err(err).Msg("failed to write response")
	}
}

// drainRequestBody discards what the handler didn't read, so the connection
// can be reused.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// beyond 5MB the client is assumed broken and the connection closed
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
