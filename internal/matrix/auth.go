package matrix

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/config"
)

// Login performs a password login and returns the credentials to persist.
// The username may be a bare localpart or a full @user:server MXID.
func Login(ctx context.Context, homeserver, username, password string) (*config.Credentials, error) {
	homeserver = strings.TrimSpace(homeserver)
	if homeserver == "" {
		return nil, fmt.Errorf("homeserver URL is required")
	}

	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "mmrelay",
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("matrix login: %w", err)
	}

	return &config.Credentials{
		Homeserver:  homeserver,
		UserID:      string(resp.UserID),
		AccessToken: resp.AccessToken,
		DeviceID:    string(resp.DeviceID),
	}, nil
}

// Logout invalidates the stored access token on the homeserver. The caller
// removes the on-disk credentials afterwards regardless of the outcome.
func Logout(ctx context.Context, creds *config.Credentials) error {
	client, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	if _, err := client.Logout(ctx); err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	return nil
}
