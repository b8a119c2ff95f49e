package eth

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/clock"
)

// Dial connects to the configured provider and builds a submitter on it.
func Dial(ctx context.Context, cfg Config, clk clock.Clock) (*Submitter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing ethereum provider %s", cfg.RPCEndpoint)
	}
	return NewSubmitter(ctx, client, cfg, clk)
}
