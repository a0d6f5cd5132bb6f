// Package httpclient provides the HTTP transport for the loadswarm engine.
//
// The httpclient package handles HTTP request construction and execution with
// support for:
//   - A shared, connection-pooling http.Client tuned for load generation
//   - Per-user URL index substitution
//   - Cookies, custom headers, and inline or file-sourced bodies
//   - Response JSON assertions evaluated with gjson
//   - Optional W3C trace context propagation
//
// # Transport
//
// [New] builds one [Transport] per virtual user from configuration:
//
//	client := httpclient.NewClient(0)
//	t, err := httpclient.New(cfg, index, client, traceProvider)
//	status, err := t.Send(ctx)
//
// Send returns the response status and a connection-level error, the
// two-outcome shape the virtual user layer classifies. Statuses >= 300 are
// application-level failures; redirects are deliberately not followed so the
// first response is what gets classified.
package httpclient
