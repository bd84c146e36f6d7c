package llm

import (
	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/stream"
)

//go:generate go tool mockgen -source=provider.go -destination=mocks/mock_provider.go -package=mocks

// Provider prepares one streaming attempt from stored history. The returned
// prompt is exactly what will be sent, so it can be hashed before the call.
type Provider interface {
	Model() string
	Prepare(history []dto.Message) (prompt any, open stream.OpenFunc)
}

var _ Provider = (*Client)(nil)

func (c *Client) Prepare(history []dto.Message) (any, stream.OpenFunc) {
	params := c.Params(history)
	return params, c.Open(params)
}
