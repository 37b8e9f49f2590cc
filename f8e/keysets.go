package f8e

import (
	"context"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/keyrecovery/recoveryd/recovery"
	"github.com/lightningnetwork/lnd/fn/v2"
)

type keysetJSON struct {
	KeysetID       string `json:"keyset_id"`
	Network        string `json:"network"`
	AppPubKey      string `json:"app_pub_key"`
	HardwarePubKey string `json:"hardware_pub_key"`
	ServerPubKey   string `json:"server_pub_key"`
}

type listKeysetsResponse struct {
	Keysets []keysetJSON `json:"keysets"`
}

type createKeysetRequest struct {
	Network        string `json:"network"`
	AppPubKey      string `json:"app_pub_key"`
	HardwarePubKey string `json:"hardware_pub_key"`
}

type createKeysetResponse struct {
	KeysetID     string `json:"keyset_id"`
	ServerPubKey string `json:"server_pub_key"`
}

type watchAddressJSON struct {
	Address          string `json:"address"`
	SpendingKeysetID string `json:"spending_keyset_id"`
}

type registerAddressesRequest struct {
	Addresses []watchAddressJSON `json:"addresses"`
}

type deviceTokenRequest struct {
	DeviceToken string `json:"device_token"`
}

// ListKeysets returns every spending keyset of the account, in the order the
// server lists them.
func (c *Client) ListKeysets(ctx context.Context,
	accountID string) ([]*keyset.SpendingKeyset, error) {

	var resp listKeysetsResponse
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   accountPath(accountID, "keysets"),
		auth:   global(),
		out:    &resp,
	})
	if err != nil {
		return nil, err
	}

	keysets := make([]*keyset.SpendingKeyset, 0, len(resp.Keysets))
	for _, k := range resp.Keysets {
		ks, err := keyset.NewSpendingKeyset(
			k.KeysetID, k.AppPubKey, k.HardwarePubKey,
			k.ServerPubKey, k.Network,
		)
		if err != nil {
			return nil, fmt.Errorf("invalid keyset %v: %w",
				k.KeysetID, err)
		}

		keysets = append(keysets, ks)
	}

	return keysets, nil
}

// CreateKeyset creates a keyset from the app and hardware keys. The server
// adds its own key and assigns the id.
func (c *Client) CreateKeyset(ctx context.Context, accountID, appKey,
	hwKey string,
	hwProof recovery.HardwareProof) (*keyset.SpendingKeyset, error) {

	var resp createKeysetResponse
	err := c.do(ctx, &request{
		method:  http.MethodPost,
		path:    accountPath(accountID, "keysets"),
		auth:    global(),
		hwProof: fn.Some(hwProof),
		in: &createKeysetRequest{
			Network:        c.cfg.Network.Name,
			AppPubKey:      appKey,
			HardwarePubKey: hwKey,
		},
		out: &resp,
	})
	if err != nil {
		return nil, err
	}

	return keyset.NewSpendingKeyset(
		resp.KeysetID, appKey, hwKey, resp.ServerPubKey,
		c.cfg.Network.Name,
	)
}

// ActivateKeyset makes the keyset the account's active one.
func (c *Client) ActivateKeyset(ctx context.Context, accountID,
	keysetID string, hwProof recovery.HardwareProof) error {

	return c.do(ctx, &request{
		method:  http.MethodPut,
		path:    accountPath(accountID, "keysets", keysetID),
		auth:    global(),
		hwProof: fn.Some(hwProof),
	})
}

// RegisterWatchAddress asks the server to notify the account about
// transactions paying addr.
func (c *Client) RegisterWatchAddress(ctx context.Context, accountID,
	keysetID string, addr btcutil.Address) error {

	return c.do(ctx, &request{
		method: http.MethodPost,
		path:   accountPath(accountID, "keysets", keysetID, "addresses"),
		auth:   global(),
		in: &registerAddressesRequest{
			Addresses: []watchAddressJSON{{
				Address:          addr.EncodeAddress(),
				SpendingKeysetID: keysetID,
			}},
		},
	})
}

// RegisterDeviceToken registers the device's push notification token.
func (c *Client) RegisterDeviceToken(ctx context.Context, accountID,
	token string) error {

	return c.do(ctx, &request{
		method: http.MethodPost,
		path:   accountPath(accountID, "device-token"),
		auth:   global(),
		in:     &deviceTokenRequest{DeviceToken: token},
	})
}
