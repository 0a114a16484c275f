package matrix

import (
	"context"
	"fmt"
	"log"

	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// EnableEncryption wires the olm machine into the client so encrypted rooms
// decrypt transparently. State lives in a dedicated sqlite database under
// the relay home directory; the same pickle key must be used across runs.
//
// Callers treat a failure here as a soft error: the relay still runs, it
// just cannot read encrypted rooms.
func (c *Client) EnableEncryption(ctx context.Context, storePath string, pickleKey []byte) (func(), error) {
	helper, err := cryptohelper.NewCryptoHelper(c.client, pickleKey, storePath)
	if err != nil {
		return nil, fmt.Errorf("create crypto helper: %w", err)
	}

	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("init crypto helper: %w", err)
	}

	c.client.Crypto = helper
	log.Printf("[matrix:%s] end-to-end encryption enabled (store=%s)", c.botName, storePath)

	return func() {
		if err := helper.Close(); err != nil {
			log.Printf("[matrix:%s] close crypto store: %v", c.botName, err)
		}
	}, nil
}
