package gateway

import "context"

type clientKey struct{}

func withClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// clientFromContext returns the websocket client that issued the request, or
// nil for HTTP requests.
func clientFromContext(ctx context.Context) *Client {
	c, _ := ctx.Value(clientKey{}).(*Client)
	return c
}

func clientIDFromContext(ctx context.Context) string {
	if c := clientFromContext(ctx); c != nil {
		return c.ID
	}
	return ""
}
