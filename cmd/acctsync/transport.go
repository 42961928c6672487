package main

import (
	"context"

	"acctsync/internal/exchange"
	"acctsync/internal/schema"
)

// newTransport is the binding point for the exchange wire client.
// Deployments replace this with their own Transport implementation; the
// default binary runs against a transport that reports no remote data, which
// turns sync into a detection-only pass over the local store.
func newTransport() exchange.Transport {
	return nullTransport{}
}

type nullTransport struct{}

func (nullTransport) Fetch(ctx context.Context, creds exchange.Credentials, method schema.Method, params exchange.FetchParams) (exchange.Page, error) {
	return exchange.Page{}, nil
}
