package f8e

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/keyrecovery/recoveryd/recovery"
	"github.com/lightningnetwork/lnd/fn/v2"
)

type authChallengeRequest struct {
	AccountID string `json:"account_id"`
	AuthKey   string `json:"auth_request_key"`
}

type authChallengeResponse struct {
	Challenge string `json:"challenge"`
	Session   string `json:"session"`
}

type authRespondRequest struct {
	Session   string `json:"session"`
	Signature string `json:"signature"`
}

type authRespondResponse struct {
	AccessToken string `json:"access_token"`
}

// Authenticate runs the challenge response handshake for key and keeps the
// resulting token for requests of the given scope.
func (c *Client) Authenticate(ctx context.Context, accountID string,
	scope recovery.AuthScope, key *btcec.PublicKey,
	sign func(msg []byte) ([]byte, error)) error {

	var challenge authChallengeResponse
	err := c.do(ctx, &request{
		method: http.MethodPost,
		path:   "/api/authenticate",
		in: &authChallengeRequest{
			AccountID: accountID,
			AuthKey:   pubKeyToJSON(key),
		},
		out: &challenge,
	})
	if err != nil {
		return fmt.Errorf("request challenge: %w", err)
	}

	msg, err := hex.DecodeString(challenge.Challenge)
	if err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}

	sig, err := sign(msg)
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}

	var tokens authRespondResponse
	err = c.do(ctx, &request{
		method: http.MethodPost,
		path:   "/api/authenticate/respond",
		in: &authRespondRequest{
			Session:   challenge.Session,
			Signature: hex.EncodeToString(sig),
		},
		out: &tokens,
	})
	if err != nil {
		return fmt.Errorf("respond to challenge: %w", err)
	}

	c.SetToken(scope, tokens.AccessToken)

	log.Debugf("Authenticated account %v for scope %d", accountID, scope)

	return nil
}

// GetAuthKeys returns the account's auth keys as the server knows them.
func (c *Client) GetAuthKeys(ctx context.Context,
	accountID string) (*recovery.AuthKeys, error) {

	var resp authKeysJSON
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   accountPath(accountID, "authentication-keys"),
		auth:   fn.Some(recovery.AuthScopeRecovery),
		out:    &resp,
	})
	if err != nil {
		return nil, err
	}

	return resp.parse()
}
