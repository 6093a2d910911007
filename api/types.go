// Package api provides a client for the transaction resolution service.
//
// The service looks up the descriptors a device needs to display a transaction
// in clear form (ERC-20 tokens, NFT collections, plugins) from the serialized
// unsigned transaction.
//
// # Usage
//
// Create a client with NewClient:
//
//	client, err := api.NewClient("https://resolver.example.com", http.DefaultClient, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Call ResolveTransaction with the unprefixed unsigned transaction hex:
//
//	resolution, err := client.ResolveTransaction(ctx, rawTx, ledger.LoadConfig{}, ledger.DefaultResolutionConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Wrap the client in a CachingResolver to reuse bundles for identical transactions.
package api

import (
	"fmt"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
)

// ResolvePath is the service endpoint, relative to the host URI
const ResolvePath = "/v1/transactions/resolve"

// RequestIDHeader carries a per call id for correlating logs
const RequestIDHeader = "X-Request-Id"

// ResolveTransactionRequest is the body posted to the service
type ResolveTransactionRequest struct {
	RawTx            string                  `json:"rawTx"`
	LoadConfig       ledger.LoadConfig       `json:"loadConfig"`
	ResolutionConfig ledger.ResolutionConfig `json:"resolutionConfig"`
}

// ResolveTransactionResponse is the service reply
type ResolveTransactionResponse struct {
	Resolution *ledger.Resolution `json:"resolution"`
	Error      string             `json:"error,omitempty"`
}

// ServiceError is returned when the service answers with a non-OK status or
// an error message
type ServiceError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("resolution service returned status %d: %s (request %s)", e.StatusCode, e.Message, e.RequestID)
}
